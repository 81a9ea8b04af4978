package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"levelup/internal/app"
	"levelup/internal/recognition"
	"levelup/internal/transport"
	logx "levelup/pkg/logx"
)

var (
	solveFromText  bool
	solveWorkers   int
	solvePrecision int
)

var solveCmd = &cobra.Command{
	Use:   "solve <image|expression>...",
	Short: "Recognize and solve challenge images from local files",
	Long: "Runs the configured recognition engine and the arithmetic solver on local image files.\n" +
		"With --text the arguments are taken as already recognized text and no engine is loaded.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		precision := -1
		if cmd.Flags().Changed("precision") {
			precision = solvePrecision
		}

		results := make([]recognition.Result, len(args))
		if solveFromText {
			for i, text := range args {
				results[i] = recognition.SolveText(text, precision)
			}
			return report(out, args, results)
		}

		s, _, err := app.Check(cfgPath)
		if err != nil {
			return err
		}
		if s.Recognition.Engine == recognition.EngineNone {
			return fmt.Errorf("recognition.engine is none; use --text or configure an engine")
		}
		if !cmd.Flags().Changed("precision") {
			precision = s.Challenges.Precision
		}
		load, err := recognition.NewLoader(app.EngineConfig(s))
		if err != nil {
			return err
		}
		eng := recognition.NewLazy(load, s.Recognition.LoadTimeout, logx.NewConsole("WARN"))
		defer eng.Close()

		solver := recognition.Solver{Download: fileSource{}, Engine: eng, Precision: precision}
		workers := solveWorkers
		if workers <= 0 {
			workers = max(s.Recognition.Workers, recognition.DefaultWorkers)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i, path := range args {
			g.Go(func() error {
				results[i] = solver.Solve(gctx, recognition.Job{ID: path, Photo: transport.MediaRef{FileID: path}})
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return report(out, args, results)
	},
}

func init() {
	solveCmd.Flags().BoolVar(&solveFromText, "text", false, "treat arguments as recognized text")
	solveCmd.Flags().IntVarP(&solveWorkers, "workers", "j", 0, "parallel recognitions (default: recognition.workers)")
	solveCmd.Flags().IntVar(&solvePrecision, "precision", -1, "decimal places in replies (-1 = shortest)")
}

// fileSource serves local files as media; the file id is the path.
type fileSource struct{}

func (fileSource) DownloadMedia(_ context.Context, media transport.MediaRef) ([]byte, error) {
	return os.ReadFile(media.FileID)
}

func report(w io.Writer, inputs []string, results []recognition.Result) error {
	failed := 0
	for i, r := range results {
		if r.OK() {
			fmt.Fprintf(w, "%s\t%s = %s\n", inputs[i], r.Expr, r.Reply)
			continue
		}
		failed++
		fmt.Fprintf(w, "%s\terror: %v (text %q)\n", inputs[i], r.Err, r.Text)
	}
	if failed > 0 {
		return &exitError{code: 1, err: fmt.Errorf("%d of %d inputs failed", failed, len(results))}
	}
	return nil
}
