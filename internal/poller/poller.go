// Package poller periodically ingests recent mailbox messages into the store
// and hands affected threads to the thread processor.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"

	"github.com/hal9000y/gmail-autoreply/internal/format"
	"github.com/hal9000y/gmail-autoreply/internal/gservice"
	"github.com/hal9000y/gmail-autoreply/internal/store"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultPageSize = 10

	fetchConcurrency = 5
)

// ErrNotAuthorized is returned by Tick when no mailbox credentials are available yet.
var ErrNotAuthorized = errors.New("mailbox not authorized")

type mailbox interface {
	ListRecentIDs(ctx context.Context, maxResults int64) ([]string, error)
	GetMessageMetadata(ctx context.Context, msgID string) (*gmail.Message, error)
	ProfileEmail(ctx context.Context) (string, error)
}

type credentials interface {
	OAuthToken() (*oauth2.Token, error)
}

type recentlySent interface {
	IsMarked(id string) bool
}

type threadProcessor interface {
	ProcessThread(ctx context.Context, threadID string) error
}

// Config controls the poll cadence and the owning account.
type Config struct {
	Interval time.Duration
	PageSize int64
	// Owner is the mailbox address; resolved from the account profile when empty.
	Owner string
}

// New creates a Poller.
func New(mb mailbox, creds credentials, repo store.Repository, sent recentlySent, proc threadProcessor, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	return &Poller{
		mb:    mb,
		creds: creds,
		repo:  repo,
		sent:  sent,
		proc:  proc,
		cfg:   cfg,
		owner: strings.ToLower(strings.TrimSpace(cfg.Owner)),
	}
}

// Poller ingests new messages on a fixed cadence.
type Poller struct {
	mb    mailbox
	creds credentials
	repo  store.Repository
	sent  recentlySent
	proc  threadProcessor

	cfg Config

	mu    sync.Mutex
	owner string
}

// Run ticks immediately and then every Interval until ctx is done. Ticks never
// overlap: a slow tick delays the next one.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tickAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tickAndLog(ctx)
		}
	}
}

func (p *Poller) tickAndLog(ctx context.Context) {
	if err := p.Tick(ctx); err != nil {
		if errors.Is(err, ErrNotAuthorized) {
			log.Println("Skipping poll tick:", err)
			return
		}
		log.Println(fmt.Errorf("p.Tick failed: %w", err))
	}
}

// Tick performs one ingestion cycle and processes every thread that received messages.
func (p *Poller) Tick(ctx context.Context) error {
	if _, err := p.creds.OAuthToken(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	owner, err := p.ownerAddress(ctx)
	if err != nil {
		return fmt.Errorf("ownerAddress failed: %w", err)
	}

	ids, err := p.mb.ListRecentIDs(ctx, p.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("mb.ListRecentIDs failed: %w", err)
	}

	st, err := p.repo.Load()
	if err != nil {
		return fmt.Errorf("repo.Load failed: %w", err)
	}

	unknown := make([]string, 0, len(ids))
	for _, id := range ids {
		if st.Has(id) || p.sent.IsMarked(id) {
			continue
		}
		unknown = append(unknown, id)
	}
	if len(unknown) == 0 {
		return nil
	}

	fetched := p.fetch(ctx, unknown)
	if len(fetched) == 0 {
		return nil
	}

	threads, err := p.ingest(fetched, owner)
	if err != nil {
		return err
	}

	for _, threadID := range threads {
		if err := p.proc.ProcessThread(ctx, threadID); err != nil {
			log.Println(fmt.Errorf("proc.ProcessThread(%s) failed: %w", threadID, err))
		}
	}

	return nil
}

// fetch loads full metadata for ids in parallel. Failed ids are logged and
// left out; they stay unknown to the store and are retried next tick.
func (p *Poller) fetch(ctx context.Context, ids []string) []*gmail.Message {
	results := make([]*gmail.Message, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			msg, err := p.mb.GetMessageMetadata(gctx, id)
			if err != nil {
				log.Println(fmt.Errorf("mb.GetMessageMetadata(%s) failed: %w", id, err))
				return nil
			}
			results[i] = msg
			return nil
		})
	}
	_ = g.Wait()

	fetched := make([]*gmail.Message, 0, len(results))
	for _, msg := range results {
		if msg != nil {
			fetched = append(fetched, msg)
		}
	}

	return fetched
}

// ingest upserts fetched messages in one load-mutate-save cycle and returns
// the distinct thread ids touched, in first-seen order.
func (p *Poller) ingest(fetched []*gmail.Message, owner string) ([]string, error) {
	st, err := p.repo.Load()
	if err != nil {
		return nil, fmt.Errorf("repo.Load failed: %w", err)
	}

	seen := make(map[string]bool)
	var threads []string
	for _, raw := range fetched {
		msg := Normalize(raw, owner)
		st.Upsert(msg)

		threadID := st.Messages[msg.ID].ThreadID
		if threadID != "" && !seen[threadID] {
			seen[threadID] = true
			threads = append(threads, threadID)
		}
	}

	if err := p.repo.Save(st); err != nil {
		return nil, fmt.Errorf("repo.Save failed: %w", err)
	}

	return threads, nil
}

func (p *Poller) ownerAddress(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.owner != "" {
		return p.owner, nil
	}

	email, err := p.mb.ProfileEmail(ctx)
	if err != nil {
		return "", fmt.Errorf("mb.ProfileEmail failed: %w", err)
	}
	owner := strings.ToLower(strings.TrimSpace(email))
	if owner == "" {
		return "", errors.New("account profile has no email address")
	}
	p.owner = owner
	log.Println("Resolved mailbox owner", p.owner)

	return p.owner, nil
}

// Normalize converts a Gmail message into a store record. The status is the
// default for a first sighting; Store.Upsert keeps any status already stored.
func Normalize(msg *gmail.Message, owner string) store.Message {
	from := gservice.Header(msg, "From")
	sentByUs := owner != "" && format.Address(from) == owner

	status := store.StatusNew
	if sentByUs {
		status = store.StatusSent
	}

	return store.Message{
		ID:              msg.Id,
		ThreadID:        msg.ThreadId,
		From:            from,
		Subject:         gservice.Header(msg, "Subject"),
		Snippet:         msg.Snippet,
		Date:            time.UnixMilli(msg.InternalDate).UTC(),
		MessageIDHeader: gservice.Header(msg, "Message-ID"),
		ReplyToHeader:   gservice.Header(msg, "Reply-To"),
		SentByUs:        sentByUs,
		Status:          status,
	}
}
