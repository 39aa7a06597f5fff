package telegram

import (
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"farm-bot/api/internal/finalize"
)

func (r *Router) handleCallback(cb tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		r.answer(cb, "")
		return
	}
	st := r.chat(cb.Message.Chat.ID)

	switch cb.Data {
	case cbAnalyze:
		r.answer(cb, "")
		r.setKeyboard(st.chatID, cb.Message, tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
		r.analyze(st)
	case cbRetry:
		if st.session == nil || st.session.Submitted || st.submitting {
			r.answer(cb, "")
			return
		}
		if st.coord != nil && !st.coord.Enabled() {
			r.answer(cb, "Procesando…")
			return
		}
		r.answer(cb, "")
		r.setKeyboard(st.chatID, cb.Message, pendingKeyboard())
		r.submit(st)
	case cbAccept:
		r.finalize(st, cb, finalize.Accept)
	case cbDiscard:
		r.finalize(st, cb, finalize.Discard)
	case cbNoop:
		r.answer(cb, "Procesando…")
	default:
		r.answer(cb, "")
	}
}

func (r *Router) answer(cb tgbotapi.CallbackQuery, text string) {
	if _, err := r.Bot.Request(tgbotapi.NewCallback(cb.ID, text)); err != nil {
		slog.Debug("callback answer failed", "error", err)
	}
}

func (r *Router) setKeyboard(chatID int64, msg *tgbotapi.Message, kb tgbotapi.InlineKeyboardMarkup) {
	if msg == nil {
		return
	}
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, msg.MessageID, kb)
	if _, err := r.Bot.Request(edit); err != nil {
		slog.Debug("keyboard edit failed", "error", err)
	}
}
