package telegram

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"farm-bot/api/internal/detection"
	"farm-bot/api/internal/photo"
	"farm-bot/api/internal/store"
)

const (
	cbAnalyze = "analyze"
	cbAccept  = "accept"
	cbDiscard = "discard"
	cbRetry   = "retry"
	cbNoop    = "noop"
)

const lateAlbumText = "El álbum llegó cuando el análisis ya había empezado y no se agregó."

func captureKeyboard(count int) tgbotapi.InlineKeyboardMarkup {
	label := fmt.Sprintf("🔍 Analizar %d foto", count)
	if count != 1 {
		label += "s"
	}
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(label, cbAnalyze),
	))
}

func reviewKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Aceptar", cbAccept),
		tgbotapi.NewInlineKeyboardButtonData("🗑 Descartar", cbDiscard),
	))
}

func retryKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔄 Reintentar", cbRetry),
		tgbotapi.NewInlineKeyboardButtonData("🗑 Descartar", cbDiscard),
	))
}

func pendingKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("⏳ Procesando…", cbNoop),
	))
}

func captureText(name, typeLabel string, count int) string {
	return fmt.Sprintf("📋 Tarea: %s\nTipo: %s\nFotos: %d/%d\n\nEnvía una foto o un álbum. Cuando termines pulsa «Analizar».",
		name, typeLabel, count, photo.MaxPerTask)
}

func cardCaption(res detection.PredictionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Foto %d: %s", res.ImageOrdinal, res.Label)
	if res.Confidence != nil {
		fmt.Fprintf(&b, " (%.0f%%)", *res.Confidence*100)
	}
	if rec := strings.TrimSpace(res.Recommendation); rec != "" {
		b.WriteString("\nRecomendación: ")
		b.WriteString(rec)
	}
	return truncateCaption(b.String())
}

// Telegram rejects photo captions over 1024 characters.
func truncateCaption(s string) string {
	const limit = 1000
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}

func modelName(m detection.Model) string {
	if m == detection.ModelMaturity {
		return "maduración"
	}
	return "enfermedades y deficiencias"
}

// lastRunText describes the most recent journaled run of a task; empty when
// there is none.
func lastRunText(run *store.Run) string {
	if run == nil {
		return ""
	}
	outcome := "sin cerrar"
	switch run.Outcome {
	case "accept":
		outcome = "guardado"
	case "discard":
		outcome = "descartado"
	}
	return fmt.Sprintf("🗂 Último análisis (%s): %d fotos, %d resultados, %s.",
		run.CreatedAt.In(time.Local).Format("02/01 15:04"), run.ImageCount, len(run.Results), outcome)
}
