package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"farm-bot/api/internal/detection"
	"farm-bot/api/internal/finalize"
	"farm-bot/api/internal/photo"
	"farm-bot/api/internal/review"
)

// analyze freezes the task's photos into a batch and moves the chat to the
// review screen.
func (r *Router) analyze(st *chatState) {
	if st.task == nil {
		r.send(st.chatID, "No hay ninguna tarea abierta.")
		return
	}
	if st.reviewing() {
		return
	}
	task := *st.task
	snap := st.photos.Snapshot(task.ID)
	if len(snap) == 0 {
		r.send(st.chatID, "Agrega al menos una foto antes de analizar.")
		return
	}
	if n := st.acq.InFlight(task.ID); n > 0 {
		r.send(st.chatID, "Todavía estoy recibiendo fotos. Intenta en un momento.")
		return
	}

	st.handingOff = true
	r.send(st.chatID, fmt.Sprintf("Preparando %d fotos…", len(snap)))
	go func() {
		batch, err := photo.EncodeBatch(r.Codec, snap)
		r.post(func() {
			st.handingOff = false
			if err != nil {
				slog.Error("unable to encode batch", "chat_id", st.chatID, "task_id", task.ID, "error", err)
				r.send(st.chatID, "No se pudo preparar una de las fotos: "+err.Error())
				return
			}
			if err := st.handoff.Publish(task.ID, task.Name, task.TypeLabel, batch); err != nil {
				slog.Error("handoff publish", "chat_id", st.chatID, "error", err)
				return
			}
			r.enterReview(st)
		})
	}()
}

func (r *Router) enterReview(st *chatState) {
	p, err := st.handoff.Consume()
	if err != nil {
		slog.Error("handoff consume", "chat_id", st.chatID, "error", err)
		return
	}
	st.session = &review.Session{
		TaskID:    p.TaskID,
		TaskName:  p.TaskName,
		TypeLabel: p.TypeLabel,
		Model:     r.Detection.Model(p.TypeLabel),
		Batch:     p.Images,
	}
	st.coord = finalize.New(st.session, st.handoff, st.photos,
		sessionFinalizer{remote: r.Finalizer, session: st.session},
		chatNavigator{r: r, st: st}, r.journal())
	r.submit(st)
}

func (r *Router) submit(st *chatState) {
	if st.submitting || st.session == nil {
		return
	}
	sess := st.session
	st.submitting = true
	r.send(st.chatID, fmt.Sprintf("🔬 Analizando %d fotos con el modelo de %s…", len(sess.Batch), modelName(sess.Model)))
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, 2*time.Minute)
		defer cancel()
		results, err := r.Detection.Submit(ctx, sess.TaskID, sess.TypeLabel, sess.Batch)
		var runID int64
		if err == nil && r.Journal != nil {
			id, jerr := r.Journal.RecordSubmission(ctx, st.chatID, sess.TaskID, sess.Model, len(sess.Batch), results)
			if jerr != nil {
				slog.Warn("unable to journal submission", "task_id", sess.TaskID, "error", jerr)
			}
			runID = id
		}
		r.post(func() { r.onSubmitted(st, sess, results, runID, err) })
	}()
}

func (r *Router) onSubmitted(st *chatState, sess *review.Session, results []detection.PredictionResult, runID int64, err error) {
	st.submitting = false
	if st.session != sess || sess.Cleared() {
		return
	}
	if err != nil {
		sess.SubmitErr = err
		slog.Error("submission failed", "chat_id", st.chatID, "task_id", sess.TaskID, "error", err)
		msg := tgbotapi.NewMessage(st.chatID, "❌ No se pudo analizar: "+err.Error()+"\nPuedes reintentar con las mismas fotos o descartarlas.")
		msg.ReplyMarkup = retryKeyboard()
		st.reviewMsg = r.sendMsg(msg).MessageID
		return
	}
	sess.SubmitErr = nil
	sess.Submitted = true
	sess.Results = results
	sess.RunID = runID
	r.renderReview(st)
}

func (r *Router) renderReview(st *chatState) {
	sess := st.session
	view := r.Renderer.Render(sess.Batch, sess.Results)

	if len(view.Cards) > 0 {
		for _, c := range view.Cards {
			ph := tgbotapi.NewPhoto(st.chatID, tgbotapi.FileBytes{Name: fmt.Sprintf("foto-%d.jpg", c.Image.Index+1), Bytes: c.Image.Data})
			ph.Caption = cardCaption(c.Result)
			r.sendMsg(ph)
		}
	} else {
		media := make([]interface{}, 0, len(view.Grid))
		for _, img := range view.Grid {
			media = append(media, tgbotapi.NewInputMediaPhoto(tgbotapi.FileBytes{Name: fmt.Sprintf("foto-%d.jpg", img.Index+1), Bytes: img.Data}))
		}
		if len(media) == 1 {
			img := view.Grid[0]
			r.sendMsg(tgbotapi.NewPhoto(st.chatID, tgbotapi.FileBytes{Name: fmt.Sprintf("foto-%d.jpg", img.Index+1), Bytes: img.Data}))
		} else if len(media) > 1 {
			if _, err := r.Bot.SendMediaGroup(tgbotapi.NewMediaGroup(st.chatID, media)); err != nil {
				slog.Error("telegram media group failed", "chat_id", st.chatID, "error", err)
			}
		}
	}

	summary := fmt.Sprintf("Resultados de «%s»: %d.", sess.TaskName, len(view.Cards))
	if len(view.Cards) == 0 {
		summary = fmt.Sprintf("El análisis de «%s» no devolvió resultados. Estas son las fotos enviadas.", sess.TaskName)
	}
	if view.Dropped > 0 {
		summary += fmt.Sprintf("\n%d resultados no correspondían a ninguna foto y se omitieron.", view.Dropped)
	}
	summary += "\n¿Guardar el análisis?"
	msg := tgbotapi.NewMessage(st.chatID, summary)
	msg.ReplyMarkup = reviewKeyboard()
	st.reviewMsg = r.sendMsg(msg).MessageID
}

func (r *Router) finalize(st *chatState, cb tgbotapi.CallbackQuery, action finalize.Action) {
	if st.session == nil || st.coord == nil {
		r.answer(cb, "No hay nada pendiente.")
		return
	}
	if st.submitting {
		r.answer(cb, "Espera a que termine el análisis.")
		return
	}
	coord := st.coord
	err := coord.Start(r.ctx, action, r.post, func(err error) { r.onFinalized(st, coord, action, err) })
	switch {
	case errors.Is(err, finalize.ErrBusy):
		r.answer(cb, "Procesando…")
		return
	case errors.Is(err, finalize.ErrFinished):
		r.answer(cb, "Este análisis ya se cerró.")
		return
	case err != nil:
		r.answer(cb, "No se pudo procesar.")
		return
	}
	r.answer(cb, "")
	r.setKeyboard(st.chatID, cb.Message, pendingKeyboard())
}

func (r *Router) onFinalized(st *chatState, coord *finalize.Coordinator, action finalize.Action, err error) {
	if err == nil {
		return
	}
	if st.coord != coord {
		return
	}
	verb := "guardar"
	if action == finalize.Discard {
		verb = "descartar"
	}
	kb := reviewKeyboard()
	if st.session != nil && !st.session.Submitted {
		kb = retryKeyboard()
	}
	msg := tgbotapi.NewMessage(st.chatID, fmt.Sprintf("❌ No se pudo %s el análisis. Tus fotos siguen aquí; intenta de nuevo.", verb))
	msg.ReplyMarkup = kb
	st.reviewMsg = r.sendMsg(msg).MessageID
}

func (r *Router) journal() finalize.Journal {
	if r.Journal == nil {
		return nil
	}
	return r.Journal
}

// sessionFinalizer sends Accept/Discard to the server. A session whose
// submission never succeeded has nothing on the server, so Discard is local.
type sessionFinalizer struct {
	remote  finalize.Finalizer
	session *review.Session
}

func (f sessionFinalizer) Accept(ctx context.Context, m detection.Model, req detection.FinalizeRequest) error {
	if !f.session.Submitted {
		return errors.New("no hay resultados para guardar")
	}
	return f.remote.Accept(ctx, m, req)
}

func (f sessionFinalizer) Discard(ctx context.Context, m detection.Model, req detection.FinalizeRequest) error {
	if !f.session.Submitted {
		return nil
	}
	return f.remote.Discard(ctx, m, req)
}

// chatNavigator returns the chat from review to the task prompt.
type chatNavigator struct {
	r  *Router
	st *chatState
}

func (n chatNavigator) ReturnToTasks(taskID int64) {
	st := n.st
	st.session = nil
	st.coord = nil
	st.reviewMsg = 0
	if st.task != nil && st.task.ID == taskID {
		n.r.leaveCapture(st)
	}
	n.r.send(st.chatID, "✅ Listo. Abre otra tarea con /tarea <id>.")
}
