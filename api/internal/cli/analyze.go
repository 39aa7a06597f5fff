package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"farm-bot/api/internal/acquire"
	"farm-bot/api/internal/finalize"
	"farm-bot/api/internal/handoff"
	"farm-bot/api/internal/photo"
	"farm-bot/api/internal/review"
)

type analyzeFlags struct {
	accept  bool
	discard bool
	outDir  string
}

func analyzeCmd(opts *options) *cobra.Command {
	f := &analyzeFlags{}
	cmd := &cobra.Command{
		Use:   "analyze <task id> <photo>...",
		Short: "Submit up to 10 photos of a task for detection and accept or discard the result",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.accept && f.discard {
				return errors.New("--accept and --discard are exclusive")
			}
			taskID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			d, err := opts.load()
			if err != nil {
				return err
			}
			return runAnalyze(cmd.Context(), d, f, taskID, args[1:], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&f.accept, "accept", false, "accept the results without asking")
	cmd.Flags().BoolVar(&f.discard, "discard", false, "discard the results without asking")
	cmd.Flags().StringVar(&f.outDir, "out", "", "write the reviewed images to this directory")
	return cmd
}

type printNavigator struct{ out io.Writer }

func (n printNavigator) ReturnToTasks(taskID int64) {
	fmt.Fprintf(n.out, "Tarea %d cerrada.\n", taskID)
}

func runAnalyze(ctx context.Context, d *deps, f *analyzeFlags, taskID int64, files []string, in io.Reader, out io.Writer) error {
	task, err := d.tasks.Task(ctx, taskID)
	if err != nil {
		return err
	}

	photos := photo.NewStore()
	acq := acquire.New(photos, d.cfg.PhotoTempDir)
	handles := make([]photo.Handle, 0, len(files))
	for _, p := range files {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("photo %s: %w", p, err)
		}
		handles = append(handles, photo.File{Path: p})
	}
	res, err := acq.Import(task.ID, handles)
	if err != nil {
		return err
	}
	if res.LimitReached {
		fmt.Fprintf(out, "Límite de %d fotos alcanzado: %d no se enviarán.\n", photo.MaxPerTask, res.Dropped)
	}

	codec := photo.JPEG{Quality: d.cfg.JPEGQuality, MaxPixels: d.cfg.MaxPixels}
	batch, err := photo.EncodeBatch(codec, photos.Snapshot(task.ID))
	if err != nil {
		return err
	}

	h := &handoff.Handoff{}
	if err := h.Publish(task.ID, task.Name, task.TypeLabel, batch); err != nil {
		return err
	}
	p, err := h.Consume()
	if err != nil {
		return err
	}
	sess := &review.Session{
		TaskID: p.TaskID, TaskName: p.TaskName, TypeLabel: p.TypeLabel,
		Model: d.client.Model(p.TypeLabel), Batch: p.Images,
	}

	fmt.Fprintf(out, "Analizando %d fotos de «%s» con el modelo %s…\n", len(batch), task.Name, sess.Model)
	results, err := d.client.Submit(ctx, sess.TaskID, sess.TypeLabel, sess.Batch)
	if err != nil {
		return err
	}
	sess.Results = results
	sess.Submitted = true

	view := review.NewRenderer(codec).Render(sess.Batch, sess.Results)
	if err := printView(out, view, f.outDir); err != nil {
		return err
	}

	action, err := chooseAction(f, in, out)
	if err != nil || action == 0 {
		return err
	}
	coord := finalize.New(sess, h, photos, d.finalizer, printNavigator{out: out}, nil)
	if err := coord.Run(ctx, action); err != nil {
		return err
	}
	if action == finalize.Accept {
		fmt.Fprintln(out, "Resultados guardados.")
	} else {
		fmt.Fprintln(out, "Resultados descartados.")
	}
	return nil
}

func printView(out io.Writer, view review.View, dir string) error {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	write := func(img review.Image) error {
		if dir == "" {
			return nil
		}
		return os.WriteFile(filepath.Join(dir, fmt.Sprintf("foto-%d.jpg", img.Index+1)), img.Data, 0o644)
	}

	if len(view.Cards) == 0 {
		fmt.Fprintln(out, "Sin resultados. Fotos enviadas:")
		for _, img := range view.Grid {
			fmt.Fprintf(out, "  foto %d%s\n", img.Index+1, placeholderNote(img))
			if err := write(img); err != nil {
				return err
			}
		}
		return nil
	}
	for _, c := range view.Cards {
		fmt.Fprintf(out, "Foto %d: %s", c.Result.ImageOrdinal, c.Result.Label)
		if c.Result.Confidence != nil {
			fmt.Fprintf(out, " (%.0f%%)", *c.Result.Confidence*100)
		}
		fmt.Fprintln(out, placeholderNote(c.Image))
		if rec := strings.TrimSpace(c.Result.Recommendation); rec != "" {
			fmt.Fprintf(out, "  Recomendación: %s\n", rec)
		}
		if err := write(c.Image); err != nil {
			return err
		}
	}
	if view.Dropped > 0 {
		fmt.Fprintf(out, "%d resultados sin foto correspondiente omitidos.\n", view.Dropped)
	}
	return nil
}

func placeholderNote(img review.Image) string {
	if img.Placeholder {
		return " [imagen ilegible]"
	}
	return ""
}

// chooseAction returns 0 when the user leaves without deciding.
func chooseAction(f *analyzeFlags, in io.Reader, out io.Writer) (finalize.Action, error) {
	switch {
	case f.accept:
		return finalize.Accept, nil
	case f.discard:
		return finalize.Discard, nil
	}
	fmt.Fprint(out, "¿Aceptar (a) o descartar (d)? ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "a", "aceptar", "s", "si", "sí", "y", "yes":
		return finalize.Accept, nil
	case "d", "descartar":
		return finalize.Discard, nil
	}
	fmt.Fprintln(out, "Sin decisión; los resultados quedan pendientes en el servidor.")
	return 0, nil
}
