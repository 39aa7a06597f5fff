// Package telegram is the bot surface of the photo pipeline: a capture screen
// per chat, the hand-off to review and the Accept/Discard buttons.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"farm-bot/api/internal/detection"
	"farm-bot/api/internal/farm"
	"farm-bot/api/internal/finalize"
	"farm-bot/api/internal/photo"
	"farm-bot/api/internal/review"
	"farm-bot/api/internal/store"
)

const defaultDebounce = 1200 * time.Millisecond

// Bot is the part of *tgbotapi.BotAPI the router uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	SendMediaGroup(cfg tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Journal records submissions and their outcome.
type Journal interface {
	finalize.Journal
	RecordSubmission(ctx context.Context, chatID, taskID int64, model detection.Model, images int, results []detection.PredictionResult) (int64, error)
	Latest(ctx context.Context, taskID int64) (*store.Run, error)
}

type Router struct {
	Bot       Bot
	Tasks     farm.TaskProvider
	Detection *detection.Client
	Finalizer finalize.Finalizer
	Journal   Journal // optional
	Codec     photo.Codec
	Renderer  *review.Renderer
	Files     *resty.Client
	TempDir   string
	Debounce  time.Duration

	ctx    context.Context
	chats  map[int64]*chatState
	events chan func()
}

// Run owns every chat's state. Updates and completions posted by background
// work are handled one at a time until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	r.init(ctx)
	r.loop(ctx, updates)
}

func (r *Router) loop(ctx context.Context, updates <-chan tgbotapi.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			r.HandleUpdate(upd)
		case f := <-r.events:
			f()
		}
	}
}

func (r *Router) init(ctx context.Context) {
	r.ctx = ctx
	if r.chats == nil {
		r.chats = make(map[int64]*chatState)
	}
	if r.events == nil {
		r.events = make(chan func(), 64)
	}
	if r.Debounce <= 0 {
		r.Debounce = defaultDebounce
	}
	if r.Codec == nil {
		r.Codec = photo.JPEG{}
	}
	if r.Renderer == nil {
		r.Renderer = review.NewRenderer(r.Codec)
	}
	if r.Files == nil {
		r.Files = resty.New().SetTimeout(60 * time.Second)
	}
}

// post hands f to the Run loop. It never blocks the loop itself.
func (r *Router) post(f func()) {
	select {
	case r.events <- f:
	case <-r.ctx.Done():
	}
}

func (r *Router) HandleUpdate(upd tgbotapi.Update) {
	if upd.CallbackQuery != nil {
		r.handleCallback(*upd.CallbackQuery)
		return
	}
	if upd.Message == nil {
		return
	}
	if upd.Message.IsCommand() {
		r.handleCommand(*upd.Message)
		return
	}
	if len(upd.Message.Photo) > 0 {
		r.acceptPhoto(*upd.Message)
		return
	}
	if upd.Message.Text != "" {
		r.send(upd.Message.Chat.ID, "Usa /tarea <id> para abrir una tarea y luego envía las fotos.")
	}
}

func (r *Router) handleCommand(msg tgbotapi.Message) {
	cid := msg.Chat.ID
	switch msg.Command() {
	case "start", "ayuda", "help":
		r.send(cid, "Hola 👋 Abre una labor cultural con /tarea <id>, envía hasta "+
			strconv.Itoa(photo.MaxPerTask)+" fotos y pulsa «Analizar».\nComandos: /tarea, /estado, /cancelar")
	case "tarea":
		r.openTask(cid, msg.CommandArguments())
	case "estado":
		r.showStatus(cid)
	case "cancelar":
		r.closeTask(cid)
	default:
		r.send(cid, "Comando desconocido")
	}
}

func (r *Router) openTask(chatID int64, arg string) {
	st := r.chat(chatID)
	if st.reviewing() {
		r.send(chatID, "Hay un análisis en revisión. Acéptalo o descártalo antes de cambiar de tarea.")
		return
	}
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		r.send(chatID, "Uso: /tarea <id>")
		return
	}
	if st.loading {
		return
	}
	st.loading = true
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
		defer cancel()
		task, err := r.Tasks.Task(ctx, id)
		var last *store.Run
		if err == nil && r.Journal != nil {
			run, jerr := r.Journal.Latest(ctx, id)
			switch {
			case jerr == nil:
				last = run
			case !errors.Is(jerr, store.ErrNotFound):
				slog.Warn("unable to read last run", "task_id", id, "error", jerr)
			}
		}
		r.post(func() {
			st.loading = false
			if err != nil {
				if errors.Is(err, farm.ErrTaskNotFound) {
					r.send(chatID, fmt.Sprintf("No encontré la tarea %d.", id))
					return
				}
				slog.Error("unable to load task", "chat_id", chatID, "task_id", id, "error", err)
				r.send(chatID, "No pude cargar la tarea. Intenta de nuevo.")
				return
			}
			r.enterCapture(st, task, lastRunText(last))
		})
	}()
}

func (r *Router) enterCapture(st *chatState, task farm.Task, notice string) {
	if st.task != nil && st.task.ID != task.ID {
		r.leaveCapture(st)
	}
	st.task = &task
	r.showCapture(st, notice)
}

// leaveCapture abandons in-flight captures and pending albums of the open
// task. Photos already added stay with the task.
func (r *Router) leaveCapture(st *chatState) {
	if st.task == nil {
		return
	}
	if n := st.acq.Abandon(st.task.ID); n > 0 {
		slog.Info("abandoned captures", "chat_id", st.chatID, "task_id", st.task.ID, "count", n)
	}
	for key, a := range st.albums {
		if a.taskID == st.task.ID {
			a.timer.Stop()
			delete(st.albums, key)
		}
	}
	st.task = nil
}

func (r *Router) closeTask(chatID int64) {
	st := r.chat(chatID)
	if st.reviewing() {
		r.send(chatID, "Hay un análisis en revisión. Acéptalo o descártalo primero.")
		return
	}
	if st.task == nil {
		r.send(chatID, "No hay ninguna tarea abierta.")
		return
	}
	r.leaveCapture(st)
	r.send(chatID, "Tarea cerrada. Las fotos agregadas se conservan hasta que las analices.")
}

func (r *Router) showStatus(chatID int64) {
	st := r.chat(chatID)
	switch {
	case st.session != nil:
		r.send(chatID, fmt.Sprintf("En revisión: %s (%d fotos).", st.session.TaskName, len(st.session.Batch)))
	case st.task != nil:
		r.showCapture(st, "")
	default:
		r.send(chatID, "No hay ninguna tarea abierta. Usa /tarea <id>.")
	}
}

func (r *Router) showCapture(st *chatState, notice string) {
	count := st.photos.Count(st.task.ID)
	text := captureText(st.task.Name, st.task.TypeLabel, count)
	if notice != "" {
		text = notice + "\n\n" + text
	}
	msg := tgbotapi.NewMessage(st.chatID, text)
	if count > 0 {
		msg.ReplyMarkup = captureKeyboard(count)
	}
	r.sendMsg(msg)
}

func (r *Router) send(chatID int64, text string) {
	r.sendMsg(tgbotapi.NewMessage(chatID, text))
}

func (r *Router) sendMsg(c tgbotapi.Chattable) tgbotapi.Message {
	m, err := r.Bot.Send(c)
	if err != nil {
		slog.Error("telegram send failed", "error", err)
	}
	return m
}
