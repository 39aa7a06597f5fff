package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver

	"farm-bot/api/internal/config"
	"farm-bot/api/internal/detection"
	"farm-bot/api/internal/detection/gemini"
	"farm-bot/api/internal/farm"
	"farm-bot/api/internal/finalize"
	"farm-bot/api/internal/httpserver"
	"farm-bot/api/internal/photo"
	"farm-bot/api/internal/review"
	"farm-bot/api/internal/store"
	"farm-bot/api/internal/telegram"
)

func main() {
	envFile := flag.String("env", "", "path to load env from")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal(err)
	}
	if strings.TrimSpace(cfg.TelegramBotToken) == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN is empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Postgres journal (optional) ---
	var (
		db      *sql.DB
		journal telegram.Journal
	)
	if dsn := cfg.DSN(); dsn != "" {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("sql.Open: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(1 * time.Hour)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			cancel()
			log.Fatalf("db.Ping: %v", err)
		}
		cancel()
		log.Printf("db connected: %s", config.SafeDSNSummary(dsn))

		j := store.NewJournal(db)
		if err := j.EnsureSchema(ctx); err != nil {
			log.Fatalf("journal schema: %v", err)
		}
		go purgeJournal(ctx, j, cfg.JournalTTL)
		journal = j
	} else {
		log.Printf("no database configured, journal disabled")
	}

	// --- Farm API + detection ---
	httpc := farm.NewHTTP(cfg.FarmAPIURL, cfg.RequestTimeout)
	creds := farm.StaticToken(cfg.FarmAPIToken)
	api := detection.NewAPI(httpc, creds)

	selector, err := detection.LoadSelector(cfg.ModelLabelsFile)
	if err != nil {
		log.Fatal(err)
	}
	var (
		backend   detection.Backend  = api
		finalizer finalize.Finalizer = api
	)
	if cfg.DetectionBackend == "gemini" {
		g := gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel)
		backend, finalizer = g, g
		log.Printf("detection backend: gemini (%s)", cfg.GeminiModel)
	}

	codec := photo.JPEG{Quality: cfg.JPEGQuality, MaxPixels: cfg.MaxPixels}

	// --- Telegram bot ---
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		log.Fatal(err)
	}
	bot.Debug = false

	r := &telegram.Router{
		Bot:       bot,
		Tasks:     farm.NewClient(httpc, creds),
		Detection: detection.NewClient(backend, selector),
		Finalizer: finalizer,
		Journal:   journal,
		Codec:     codec,
		Renderer:  review.NewRenderer(codec),
		TempDir:   cfg.PhotoTempDir,
		Debounce:  cfg.AlbumDebounce,
	}

	addr := "0.0.0.0:" + cfg.Port
	updates := make(chan tgbotapi.Update, 64)
	go r.Run(ctx, updates)

	var pinger httpserver.Pinger
	if db != nil {
		pinger = db
	}

	// --- Choose mode: Webhook vs Polling ---
	if webhookURL := strings.TrimSpace(cfg.WebhookURL); webhookURL != "" {
		startWebhookMode(ctx, addr, bot, pinger, webhookURL, updates)
	} else {
		startPollingMode(ctx, addr, bot, pinger, updates)
	}
}

// ---------------- Modes -----------------

func startWebhookMode(ctx context.Context, addr string, bot *tgbotapi.BotAPI, db httpserver.Pinger, baseURL string, updates chan<- tgbotapi.Update) {
	// secret webhook path
	path := "/webhook/" + shortHash(bot.Token)
	public := strings.TrimRight(baseURL, "/") + path

	wh, err := tgbotapi.NewWebhook(public)
	if err != nil {
		log.Fatal(err)
	}
	wh.DropPendingUpdates = true
	if _, err := bot.Request(wh); err != nil {
		log.Fatal(err)
	}

	hook := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		upd, err := bot.HandleUpdate(req)
		if err != nil {
			slog.Warn("bad webhook update", "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		select {
		case updates <- *upd:
		case <-req.Context().Done():
		}
	})

	log.Printf("webhook listening on %s%s", addr, path)
	if err := httpserver.Serve(ctx, addr, httpserver.New(db, path, hook)); err != nil {
		log.Fatal(err)
	}
}

func startPollingMode(ctx context.Context, addr string, bot *tgbotapi.BotAPI, db httpserver.Pinger, updates chan<- tgbotapi.Update) {
	// health endpoint only; polling does not need the server
	go func() {
		if err := httpserver.Serve(ctx, addr, httpserver.New(db, "", nil)); err != nil {
			log.Fatal(err)
		}
	}()

	runPolling(ctx, bot, func(upd tgbotapi.Update) {
		select {
		case updates <- upd:
		case <-ctx.Done():
		}
	})
}

// ---------------- Polling loop -----------------

var reRetryAfter = regexp.MustCompile(`(?i)retry after\s+(\d+)`)

func retryDelayFromError(err error) time.Duration {
	if err == nil {
		return 0
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "too many requests") { // HTTP 429 from Telegram
		if m := reRetryAfter.FindStringSubmatch(s); len(m) == 2 {
			if n, _ := strconv.Atoi(m[1]); n > 0 {
				return time.Duration(n) * time.Second
			}
		}
		return 3 * time.Second
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 2 * time.Second
	}
	return 1 * time.Second
}

func runPolling(ctx context.Context, bot *tgbotapi.BotAPI, handle func(tgbotapi.Update)) {
	offset := 0
	baseDelay := 1 * time.Second
	maxDelay := 15 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Printf("polling: context cancelled")
			return
		default:
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = 30 // long polling timeout (sec)

		batch, err := bot.GetUpdates(u)
		if err != nil {
			d := min(max(retryDelayFromError(err), baseDelay), maxDelay)
			log.Printf("polling error: %v; retry in %v", err, d)
			time.Sleep(d)
			continue
		}

		for _, upd := range batch {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			handle(upd)
		}

		if len(batch) == 0 {
			time.Sleep(200 * time.Millisecond)
		}
	}
}

func purgeJournal(ctx context.Context, j *store.Journal, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	t := time.NewTicker(6 * time.Hour)
	defer t.Stop()
	for {
		n, err := j.PurgeOlderThan(ctx, ttl)
		if err != nil {
			slog.Warn("journal purge failed", "error", err)
		} else if n > 0 {
			slog.Info("journal purged", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// shortHash is a stable FNV-1a hex of the bot token for the webhook path.
func shortHash(s string) string {
	h := uint64(1469598103934665603)
	const prime = 1099511628211
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = hexdigits[h&0xF]
		h >>= 4
	}
	return string(out)
}
