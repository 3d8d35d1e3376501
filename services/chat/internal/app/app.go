package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lexassist/internal/convlock"
	"lexassist/internal/idempotency"
	"lexassist/pkg/ai"
	"lexassist/pkg/assistant"
	"lexassist/pkg/queue"
	"lexassist/pkg/storage"
	"lexassist/pkg/store"
)

const (
	defaultProviderTimeout = 60 * time.Second
	defaultMaxTokens       = 2000
	defaultMaxUploadBytes  = 10 << 20
	defaultAnalysisRunes   = 24000

	// FallbackReply replaces the assistant turn when the provider fails.
	FallbackReply = "Desculpe, não consegui gerar uma resposta. Por favor, tente novamente."
)

// DefaultExtensions are the upload formats accepted when none are configured.
var DefaultExtensions = []string{".pdf", ".docx", ".doc", ".txt", ".rtf", ".md", ".csv", ".json"}

// Config holds runtime configuration for the core application.
type Config struct {
	Store             store.Store
	Model             ai.ChatModel
	Objects           storage.ObjectStore
	Jobs              queue.JobQueue
	Idempotency       idempotency.Store
	TurnLock          convlock.Locker
	ProviderTimeout   time.Duration
	MaxTokens         int
	ExcerptRunes      int
	AnalysisRunes     int
	MaxUploadBytes    int64
	AllowedExtensions []string
}

// App is the core application service wiring together storage, the
// assistant resolver and the language model provider.
type App struct {
	store             store.Store
	resolver          *assistant.Resolver
	model             ai.ChatModel
	objects           storage.ObjectStore
	jobs              queue.JobQueue
	idem              idempotency.Store
	turnLock          convlock.Locker
	providerTimeout   time.Duration
	maxTokens         int
	excerptRunes      int
	analysisRunes     int
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}

	convLocks keyedMutex
	usageWG   sync.WaitGroup
	now       func() time.Time
}

// New constructs the application. Store, Model and Objects are required;
// jobs default to an in-process queue and idempotency to an in-memory store.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Model == nil {
		return nil, errors.New("chat model required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	jobs := cfg.Jobs
	if jobs == nil {
		jobs = queue.NewInlineQueue(3)
	}
	idem := cfg.Idempotency
	if idem == nil {
		idem = idempotency.NewMemoryStore(idempotency.DefaultWindow)
	}
	providerTimeout := cfg.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	excerptRunes := cfg.ExcerptRunes
	if excerptRunes <= 0 {
		excerptRunes = assistant.DefaultExcerptRunes
	}
	analysisRunes := cfg.AnalysisRunes
	if analysisRunes <= 0 {
		analysisRunes = defaultAnalysisRunes
	}
	return &App{
		store:             cfg.Store,
		resolver:          assistant.NewResolver(cfg.Store, excerptRunes),
		model:             cfg.Model,
		objects:           cfg.Objects,
		jobs:              jobs,
		idem:              idem,
		turnLock:          cfg.TurnLock,
		providerTimeout:   providerTimeout,
		maxTokens:         maxTokens,
		excerptRunes:      excerptRunes,
		analysisRunes:     analysisRunes,
		maxUploadBytes:    maxUpload,
		allowedExtensions: normalizeExtensions(cfg.AllowedExtensions),
		now:               time.Now,
	}, nil
}

// Start begins consuming document extraction jobs. It must be called once
// before uploads are accepted.
func (a *App) Start(ctx context.Context, concurrency int) {
	a.jobs.Start(ctx, concurrency, a.handleExtraction)
}

// Close waits for pending usage increments and stops the job queue.
func (a *App) Close() error {
	a.usageWG.Wait()
	if err := a.jobs.Close(); err != nil {
		return fmt.Errorf("close job queue: %w", err)
	}
	return nil
}

// MaxUploadBytes is the upload cap enforced by the HTTP layer.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUploadBytes
}

func (a *App) timestamp() time.Time {
	return a.now().UTC()
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}

// keyedMutex serializes work per key within this process and frees
// entries once unused. Replicas coordinate through App.turnLock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
