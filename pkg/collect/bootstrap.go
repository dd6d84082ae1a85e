package collect

import (
	"bufio"
	"io"

	"github.com/jsoo1/nix-eval-jobs/pkg/prog"
	"github.com/jsoo1/nix-eval-jobs/pkg/worker"
)

// initOnce is the body of the bootstrap collector child: evaluate the root,
// emit one result stream for it and done, then exit. Evaluating here keeps
// downloads and their memory out of the parent.
func initOnce(out io.Writer, opts *prog.EvalOpts, expr string) error {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	return worker.Once(bw, opts, expr)
}
