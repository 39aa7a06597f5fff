package telegram

import (
	"sort"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"farm-bot/api/internal/acquire"
	"farm-bot/api/internal/farm"
	"farm-bot/api/internal/finalize"
	"farm-bot/api/internal/handoff"
	"farm-bot/api/internal/photo"
	"farm-bot/api/internal/review"
)

// chatState is owned by the Run loop; nothing else touches it.
type chatState struct {
	chatID int64

	// capture screen
	task    *farm.Task
	photos  *photo.Store
	acq     *acquire.Controller
	albums  map[string]*album
	loading bool

	// hand-off and review screen
	handoff    *handoff.Handoff
	handingOff bool
	session    *review.Session
	coord      *finalize.Coordinator
	submitting bool
	reviewMsg  int
}

func (r *Router) chat(chatID int64) *chatState {
	if st, ok := r.chats[chatID]; ok {
		return st
	}
	photos := photo.NewStore()
	st := &chatState{
		chatID:  chatID,
		photos:  photos,
		acq:     acquire.New(photos, r.TempDir),
		albums:  make(map[string]*album),
		handoff: &handoff.Handoff{},
	}
	r.chats[chatID] = st
	return st
}

// reviewing reports whether the task has left the capture screen.
func (st *chatState) reviewing() bool {
	return st.handingOff || st.session != nil || st.handoff.Active()
}

// album collects the photos of one Telegram media group until the debounce
// timer fires.
type album struct {
	groupID string
	taskID  int64
	items   []albumItem
	timer   *time.Timer
	lastAt  time.Time
}

type albumItem struct {
	messageID int
	fileID    string
}

func (a *album) add(msg tgbotapi.Message) {
	a.items = append(a.items, albumItem{messageID: msg.MessageID, fileID: largestPhoto(msg.Photo).FileID})
	a.lastAt = time.Now()
}

// fileIDs returns the album in the order the user selected it.
func (a *album) fileIDs() []string {
	items := append([]albumItem(nil), a.items...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].messageID < items[j].messageID })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.fileID
	}
	return out
}

func largestPhoto(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	if len(sizes) == 0 {
		return tgbotapi.PhotoSize{}
	}
	return sizes[len(sizes)-1]
}
