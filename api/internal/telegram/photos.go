package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"farm-bot/api/internal/acquire"
	"farm-bot/api/internal/photo"
)

// fileCamera "captures" by downloading a photo the user already sent.
type fileCamera struct {
	bot    Bot
	http   *resty.Client
	fileID string
}

func (c fileCamera) Capture(ctx context.Context, target acquire.Target) error {
	url, err := c.bot.GetFileDirectURL(c.fileID)
	if err != nil {
		return fmt.Errorf("telegram file: %w", err)
	}
	res, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("telegram download: %w", err)
	}
	switch {
	case res.StatusCode() == http.StatusForbidden || res.StatusCode() == http.StatusUnauthorized:
		return fmt.Errorf("telegram download: %w", acquire.ErrPermissionDenied)
	case !res.IsSuccess():
		return fmt.Errorf("telegram download: status %d", res.StatusCode())
	}
	return os.WriteFile(target.Path, res.Body(), 0o600)
}

func (r *Router) acceptPhoto(msg tgbotapi.Message) {
	cid := msg.Chat.ID
	st := r.chat(cid)
	if st.task == nil {
		r.send(cid, "Primero abre una tarea con /tarea <id>.")
		return
	}
	if st.reviewing() {
		r.send(cid, "Estas fotos ya están en análisis. Acepta o descarta el resultado antes de agregar más.")
		return
	}
	if msg.MediaGroupID != "" {
		r.addToAlbum(st, msg)
		return
	}

	taskID := st.task.ID
	cam := fileCamera{bot: r.Bot, http: r.Files, fileID: largestPhoto(msg.Photo).FileID}
	_, err := st.acq.RunCapture(r.ctx, taskID, cam, r.post, func(_ acquire.Ticket, p photo.Pending, err error) {
		r.onCaptured(st, taskID, p, err)
	})
	if err != nil {
		r.onCaptured(st, taskID, photo.Pending{}, err)
	}
}

func (r *Router) onCaptured(st *chatState, taskID int64, p photo.Pending, err error) {
	switch {
	case err == nil:
		if st.task != nil && st.task.ID == taskID {
			r.showCapture(st, fmt.Sprintf("📷 Foto %d agregada.", p.Ordinal+1))
		}
	case errors.Is(err, acquire.ErrStaleTicket):
		slog.Info("dropped stale capture", "chat_id", st.chatID, "task_id", taskID)
	case errors.Is(err, photo.ErrCapacityExceeded):
		r.send(st.chatID, fmt.Sprintf("Ya tienes %d fotos, el máximo por tarea. Pulsa «Analizar».", photo.MaxPerTask))
	case errors.Is(err, acquire.ErrPermissionDenied):
		r.send(st.chatID, "No tengo permiso para leer esa foto. Revisa la privacidad del chat y vuelve a enviarla.")
	default:
		slog.Warn("capture failed", "chat_id", st.chatID, "task_id", taskID, "error", err)
		r.send(st.chatID, "No se pudo obtener la foto. Intenta de nuevo.")
	}
}

func (r *Router) addToAlbum(st *chatState, msg tgbotapi.Message) {
	key := msg.MediaGroupID
	a, ok := st.albums[key]
	if !ok {
		a = &album{groupID: key, taskID: st.task.ID}
		st.albums[key] = a
	}
	a.add(msg)
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(r.Debounce, func() {
		r.post(func() { r.flushAlbum(st, key, a) })
	})
}

// flushAlbum downloads the album off the loop and imports it in selection
// order.
func (r *Router) flushAlbum(st *chatState, key string, a *album) {
	if cur, ok := st.albums[key]; !ok || cur != a {
		return
	}
	delete(st.albums, key)
	if st.reviewing() {
		r.send(st.chatID, lateAlbumText)
		return
	}

	ids := a.fileIDs()
	taskID := a.taskID
	go func() {
		handles := make([]photo.Handle, 0, len(ids))
		failed := 0
		for _, id := range ids {
			target, err := st.acq.NewTarget(taskID)
			if err != nil {
				failed++
				continue
			}
			cam := fileCamera{bot: r.Bot, http: r.Files, fileID: id}
			if err := cam.Capture(r.ctx, target); err != nil {
				slog.Warn("album item download failed", "chat_id", st.chatID, "error", err)
				_ = os.Remove(target.Path)
				failed++
				continue
			}
			handles = append(handles, photo.File{Path: target.Path, Temp: true})
		}
		r.post(func() { r.onAlbum(st, taskID, handles, failed) })
	}()
}

func (r *Router) onAlbum(st *chatState, taskID int64, handles []photo.Handle, failed int) {
	if st.reviewing() || st.task == nil || st.task.ID != taskID {
		for _, h := range handles {
			_ = h.Release()
		}
		if st.reviewing() {
			r.send(st.chatID, lateAlbumText)
		}
		return
	}
	res, err := st.acq.Import(taskID, handles)
	switch {
	case errors.Is(err, photo.ErrCapacityExceeded):
		r.send(st.chatID, fmt.Sprintf("Ya tienes %d fotos, el máximo por tarea. No se agregó ninguna.", photo.MaxPerTask))
		return
	case errors.Is(err, acquire.ErrAcquisitionFailed):
		r.send(st.chatID, "No se pudo obtener ninguna foto del álbum.")
		return
	case err != nil:
		slog.Error("album import failed", "chat_id", st.chatID, "error", err)
		r.send(st.chatID, "No se pudo importar el álbum.")
		return
	}

	notice := fmt.Sprintf("🖼 %d fotos agregadas.", len(res.Added))
	if res.LimitReached {
		notice += fmt.Sprintf(" Se alcanzó el límite de %d; %d no se agregaron.", photo.MaxPerTask, res.Dropped)
	}
	if failed > 0 {
		notice += fmt.Sprintf(" %d no se pudieron descargar.", failed)
	}
	r.showCapture(st, notice)
}
