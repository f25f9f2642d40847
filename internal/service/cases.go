package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/caseflow/internal/api"
	"github.com/and161185/caseflow/internal/errs"
	"github.com/and161185/caseflow/internal/model"
	"github.com/and161185/caseflow/internal/storage"
)

const (
	casesKey = "caseflow_cases"
	queueKey = "caseflow_sync_queue"
)

// Remote is the slice of the request engine the case service depends on.
type Remote interface {
	Get(ctx context.Context, endpoint string) *api.Response
	Post(ctx context.Context, endpoint string, body any) *api.Response
	Put(ctx context.Context, endpoint string, body any) *api.Response
	Delete(ctx context.Context, endpoint string) *api.Response
}

// Connectivity reports whether the device currently has network access.
type Connectivity interface {
	Online(ctx context.Context) bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online(context.Context) bool { return true }

// CaseService maintains the local case cache, the durable sync queue and
// the submission state machine. Remote failures never propagate to callers
// as errors; reads degrade to the cache and return a uniform shape.
type CaseService interface {
	GetCases(ctx context.Context, params model.CaseListParams) model.CaseListResponse
	GetCase(ctx context.Context, id string) (*model.Case, error)
	UpdateCase(ctx context.Context, id string, updates map[string]any) (*model.Case, error)
	SubmitCase(ctx context.Context, id string) model.SubmitResult
	ResubmitCase(ctx context.Context, id string) model.SubmitResult
	SyncWithServer(ctx context.Context) model.SyncResult
	RevokeCase(ctx context.Context, id string, reason model.RevokeReason) error
}

// CaseOptions tunes the sync engine.
type CaseOptions struct {
	OfflineMode    bool
	MaxSyncRetries int // queue attempts before an item turns terminal
	PageSize       int
	SeedDemoData   bool
}

type CaseServiceImpl struct {
	remote   Remote
	store    storage.Store
	net      Connectivity
	opts     CaseOptions
	log      *zap.Logger
	validate *validator.Validate
	now      func() time.Time

	// mu serializes every read-modify-write of the whole-document cache
	// and queue blobs.
	mu sync.Mutex
}

var _ CaseService = (*CaseServiceImpl)(nil)

// NewCaseService constructs CaseService. net may be nil, which means
// connectivity is assumed.
func NewCaseService(remote Remote, store storage.Store, net Connectivity, opts CaseOptions, log *zap.Logger) *CaseServiceImpl {
	if opts.MaxSyncRetries <= 0 {
		opts.MaxSyncRetries = 3
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if net == nil {
		net = alwaysOnline{}
	}
	return &CaseServiceImpl{
		remote:   remote,
		store:    store,
		net:      net,
		opts:     opts,
		log:      log,
		validate: validator.New(),
		now:      time.Now,
	}
}

// online reports whether remote calls should be attempted at all.
func (s *CaseServiceImpl) online(ctx context.Context) bool {
	return !s.opts.OfflineMode && s.net.Online(ctx)
}

// GetCases lists cases. Offline it serves the cache; online it merges the
// server page into the cache and falls back to the cache on any failure,
// so callers always observe the same response shape.
func (s *CaseServiceImpl) GetCases(ctx context.Context, params model.CaseListParams) model.CaseListResponse {
	params = s.normalize(params)
	if !s.online(ctx) {
		return s.fromCache(ctx, params)
	}

	resp := s.remote.Get(ctx, casesEndpoint(params))
	if !resp.Success {
		s.log.Warn("case listing failed, serving cache", zap.Any("error", resp.Error))
		return s.fromCache(ctx, params)
	}

	var page []model.Case
	if err := resp.DecodeData(&page); err != nil {
		s.log.Warn("undecodable case listing, serving cache", zap.Error(err))
		return s.fromCache(ctx, params)
	}

	s.mergeIntoCache(ctx, page)

	out := model.CaseListResponse{Cases: page}
	if resp.Pagination != nil {
		out.Pagination = *resp.Pagination
	} else {
		out.Pagination = model.Pagination{Page: params.Page, Limit: params.Limit, Total: len(page), TotalPages: 1}
	}
	return out
}

// GetCase returns one case from the cache, or from the server when the
// cache misses and the network is available. A miss on both sides is the
// one failure this service surfaces as an error.
func (s *CaseServiceImpl) GetCase(ctx context.Context, id string) (*model.Case, error) {
	cases, err := s.localCases(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cases {
		if cases[i].ID == id {
			c := cases[i]
			return &c, nil
		}
	}

	if s.online(ctx) {
		resp := s.remote.Get(ctx, "/cases/"+url.PathEscape(id))
		if resp.Success {
			var c model.Case
			if err := resp.DecodeData(&c); err == nil {
				s.upsertCache(ctx, c)
				return &c, nil
			}
		}
	}
	return nil, fmt.Errorf("case %s: %w", id, errs.ErrNotFound)
}

// UpdateCase sends an authenticated PUT and caches the server's canonical
// case. On failure, or without connectivity, the update applies
// optimistically to the cache; the mutation is queued for replay only when
// connectivity was the reason.
func (s *CaseServiceImpl) UpdateCase(ctx context.Context, id string, updates map[string]any) (*model.Case, error) {
	if _, ok := updates["id"]; ok {
		return nil, errors.New("case id is immutable")
	}

	online := s.online(ctx)
	if online {
		resp := s.remote.Put(ctx, "/cases/"+url.PathEscape(id), updates)
		if resp.Success {
			var canonical model.Case
			if err := resp.DecodeData(&canonical); err == nil {
				s.upsertCache(ctx, canonical)
				return &canonical, nil
			}
			s.log.Warn("undecodable case in update response", zap.String("case", id))
		} else {
			s.log.Warn("remote case update failed, applying locally", zap.String("case", id), zap.Any("error", resp.Error))
		}
	}

	updated, err := s.applyLocalUpdate(ctx, id, updates)
	if err != nil {
		return nil, err
	}

	if !online {
		payload, _ := json.Marshal(updates)
		s.enqueue(ctx, model.SyncQueueItem{
			CaseID:  id,
			Action:  model.ActionUpdate,
			Payload: payload,
		})
	}
	return updated, nil
}

// SubmitCase drives the submission state machine: pending -> submitting ->
// success|failed. A failure while offline additionally queues the status
// transition so the submission intent survives until connectivity returns.
func (s *CaseServiceImpl) SubmitCase(ctx context.Context, id string) model.SubmitResult {
	now := s.now()
	c, err := s.transition(ctx, id, func(c *model.Case) {
		c.SubmissionStatus = model.SubmissionSubmitting
		c.LastSubmissionAttempt = &now
	})
	if err != nil {
		return model.SubmitResult{Error: err.Error()}
	}

	resp := s.remote.Post(ctx, "/cases/"+url.PathEscape(id)+"/submit", c)
	if resp.Success {
		done := s.now()
		if _, err := s.transition(ctx, id, func(c *model.Case) {
			c.SubmissionStatus = model.SubmissionSuccess
			c.SubmissionError = ""
			c.IsSaved = false
			c.Status = model.StatusSubmitted
			if c.CompletedAt == nil {
				c.CompletedAt = &done
			}
		}); err != nil {
			return model.SubmitResult{Error: err.Error()}
		}
		return model.SubmitResult{Success: true}
	}

	msg := "case submission failed"
	if resp.Error != nil && resp.Error.Message != "" {
		msg = resp.Error.Message
	}
	if _, err := s.transition(ctx, id, func(c *model.Case) {
		c.SubmissionStatus = model.SubmissionFailed
		c.SubmissionError = msg
	}); err != nil {
		return model.SubmitResult{Error: err.Error()}
	}

	if !s.online(ctx) {
		payload, _ := json.Marshal(map[string]any{"status": model.StatusSubmitted})
		s.enqueue(ctx, model.SyncQueueItem{
			CaseID:  id,
			Action:  model.ActionUpdate,
			Payload: payload,
		})
	}
	return model.SubmitResult{Error: msg}
}

// ResubmitCase retries a failed submission. It is submitCase again, with no
// separate bookkeeping.
func (s *CaseServiceImpl) ResubmitCase(ctx context.Context, id string) model.SubmitResult {
	return s.SubmitCase(ctx, id)
}

// SyncWithServer drains the pending-mutation queue once, in insertion
// order. Successes leave the queue; failures bump retryCount and re-queue,
// until the configured maximum turns them into terminal errors. A drain
// that synced anything triggers a first-page refresh to reconcile.
func (s *CaseServiceImpl) SyncWithServer(ctx context.Context) model.SyncResult {
	if !s.online(ctx) {
		return model.SyncResult{Errors: []string{"no connectivity, sync skipped"}}
	}

	queue, err := s.readQueue(ctx)
	if err != nil {
		return model.SyncResult{Errors: []string{err.Error()}}
	}

	var (
		remaining []model.SyncQueueItem
		syncErrs  []string
		synced    int
	)
	for _, item := range queue {
		if err := s.validate.Struct(item); err != nil {
			syncErrs = append(syncErrs, fmt.Sprintf("case %s: invalid queue item dropped: %v", item.CaseID, err))
			continue
		}

		resp := s.dispatch(ctx, item)
		if resp.Success {
			synced++
			continue
		}

		item.RetryCount++
		if item.RetryCount >= s.opts.MaxSyncRetries {
			syncErrs = append(syncErrs, fmt.Sprintf("case %s: %s failed permanently after %d attempts: %s",
				item.CaseID, item.Action, item.RetryCount, failureMessage(resp)))
			continue
		}
		remaining = append(remaining, item)
	}

	if err := s.commitDrain(ctx, queue, remaining); err != nil {
		syncErrs = append(syncErrs, err.Error())
	}

	if synced > 0 {
		s.refreshFirstPage(ctx)
	}
	return model.SyncResult{
		Success:     len(syncErrs) == 0,
		SyncedCount: synced,
		Errors:      syncErrs,
	}
}

// RevokeCase removes the case from the local cache unconditionally. The
// server is not told: a revoke performed offline is lost on the next pull.
// Known gap, preserved deliberately.
func (s *CaseServiceImpl) RevokeCase(ctx context.Context, id string, reason model.RevokeReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cases, err := s.readCasesLocked(ctx)
	if err != nil {
		return err
	}
	kept := cases[:0]
	for _, c := range cases {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	if err := s.writeCasesLocked(ctx, kept); err != nil {
		return err
	}
	s.log.Info("case revoked", zap.String("case", id), zap.String("reason", string(reason)))
	return nil
}

// ---- local cache ----

// localCases reads the cache, running the one-way outcome migration first.
// A read set that needed remapping is written back, which makes the
// migration self-healing: the next read finds nothing left to migrate.
func (s *CaseServiceImpl) localCases(ctx context.Context) ([]model.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCasesLocked(ctx)
}

func (s *CaseServiceImpl) readCasesLocked(ctx context.Context) ([]model.Case, error) {
	raw, err := s.store.Get(ctx, casesKey)
	if errors.Is(err, errs.ErrNotFound) {
		if !s.opts.SeedDemoData {
			return nil, nil
		}
		seeded := seedCases(s.now())
		if err := s.writeCasesLocked(ctx, seeded); err != nil {
			return nil, err
		}
		return seeded, nil
	}
	if err != nil {
		return nil, err
	}

	var cases []model.Case
	if err := json.Unmarshal([]byte(raw), &cases); err != nil {
		return nil, fmt.Errorf("decode case cache: %w", err)
	}

	migrated, changed := migrateOutcomes(cases)
	if changed {
		if err := s.writeCasesLocked(ctx, migrated); err != nil {
			return nil, err
		}
		s.log.Info("verification outcomes migrated", zap.Int("cases", len(migrated)))
	}
	return migrated, nil
}

func (s *CaseServiceImpl) writeCasesLocked(ctx context.Context, cases []model.Case) error {
	raw, err := json.Marshal(cases)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, casesKey, string(raw))
}

func (s *CaseServiceImpl) upsertCache(ctx context.Context, c model.Case) {
	s.mergeIntoCache(ctx, []model.Case{c})
}

// mergeIntoCache applies a server page over the cache: server records win
// by id, and local records the server did not mention are preserved.
func (s *CaseServiceImpl) mergeIntoCache(ctx context.Context, page []model.Case) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cases, err := s.readCasesLocked(ctx)
	if err != nil {
		s.log.Error("reading case cache for merge failed", zap.Error(err))
		return
	}

	index := make(map[string]int, len(cases))
	for i, c := range cases {
		index[c.ID] = i
	}
	for _, c := range page {
		if i, ok := index[c.ID]; ok {
			cases[i] = c
		} else {
			cases = append(cases, c)
		}
	}
	if err := s.writeCasesLocked(ctx, cases); err != nil {
		s.log.Error("writing merged case cache failed", zap.Error(err))
	}
}

// applyLocalUpdate shallow-merges updates into the cached case and
// refreshes updatedAt; status transitions stamp their timestamps.
func (s *CaseServiceImpl) applyLocalUpdate(ctx context.Context, id string, updates map[string]any) (*model.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cases, err := s.readCasesLocked(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cases {
		if cases[i].ID != id {
			continue
		}
		merged, err := mergeCase(cases[i], updates)
		if err != nil {
			return nil, err
		}
		now := s.now()
		merged.UpdatedAt = now
		stampStatusChange(&cases[i], &merged, now)
		cases[i] = merged
		if err := s.writeCasesLocked(ctx, cases); err != nil {
			return nil, err
		}
		out := merged
		return &out, nil
	}
	return nil, fmt.Errorf("case %s: %w", id, errs.ErrNotFound)
}

// transition mutates a cached case under the lock and persists the result.
func (s *CaseServiceImpl) transition(ctx context.Context, id string, mutate func(*model.Case)) (*model.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cases, err := s.readCasesLocked(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cases {
		if cases[i].ID != id {
			continue
		}
		mutate(&cases[i])
		cases[i].UpdatedAt = s.now()
		if err := s.writeCasesLocked(ctx, cases); err != nil {
			return nil, err
		}
		out := cases[i]
		return &out, nil
	}
	return nil, fmt.Errorf("case %s: %w", id, errs.ErrNotFound)
}

// ---- sync queue ----

func (s *CaseServiceImpl) enqueue(ctx context.Context, item model.SyncQueueItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item.ID = uuid.Must(uuid.NewV4()).String()
	item.Timestamp = s.now()

	queue, err := s.readQueueLocked(ctx)
	if err != nil {
		s.log.Error("reading sync queue failed", zap.Error(err))
		return
	}
	queue = append(queue, item)
	if err := s.writeQueueLocked(ctx, queue); err != nil {
		s.log.Error("writing sync queue failed", zap.Error(err))
		return
	}
	s.log.Info("mutation queued for sync",
		zap.String("case", item.CaseID),
		zap.String("action", string(item.Action)),
	)
}

func (s *CaseServiceImpl) readQueue(ctx context.Context) ([]model.SyncQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readQueueLocked(ctx)
}

func (s *CaseServiceImpl) readQueueLocked(ctx context.Context) ([]model.SyncQueueItem, error) {
	raw, err := s.store.Get(ctx, queueKey)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var queue []model.SyncQueueItem
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		return nil, fmt.Errorf("decode sync queue: %w", err)
	}
	return queue, nil
}

// commitDrain writes the drain result back. The network pass runs off the
// lock, so items enqueued mid-drain may exist by now; anything not part of
// the drained snapshot is carried over instead of being clobbered.
func (s *CaseServiceImpl) commitDrain(ctx context.Context, snapshot, remaining []model.SyncQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drained := make(map[string]struct{}, len(snapshot))
	for _, item := range snapshot {
		drained[item.ID] = struct{}{}
	}
	current, err := s.readQueueLocked(ctx)
	if err != nil {
		return err
	}
	for _, item := range current {
		if _, ok := drained[item.ID]; !ok {
			remaining = append(remaining, item)
		}
	}
	return s.writeQueueLocked(ctx, remaining)
}

func (s *CaseServiceImpl) writeQueueLocked(ctx context.Context, queue []model.SyncQueueItem) error {
	if len(queue) == 0 {
		return s.store.Remove(ctx, queueKey)
	}
	raw, err := json.Marshal(queue)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, queueKey, string(raw))
}

func (s *CaseServiceImpl) dispatch(ctx context.Context, item model.SyncQueueItem) *api.Response {
	var payload any
	if len(item.Payload) > 0 {
		payload = json.RawMessage(item.Payload)
	}
	switch item.Action {
	case model.ActionCreate:
		return s.remote.Post(ctx, "/cases", payload)
	case model.ActionUpdate:
		return s.remote.Put(ctx, "/cases/"+url.PathEscape(item.CaseID), payload)
	case model.ActionDelete:
		return s.remote.Delete(ctx, "/cases/"+url.PathEscape(item.CaseID))
	}
	return &api.Response{Error: &model.APIError{Code: "CLIENT_ERROR", Message: "unknown queue action"}}
}

func (s *CaseServiceImpl) refreshFirstPage(ctx context.Context) {
	resp := s.remote.Get(ctx, casesEndpoint(model.CaseListParams{Page: 1, Limit: s.opts.PageSize}))
	if !resp.Success {
		s.log.Warn("post-sync refresh failed", zap.Any("error", resp.Error))
		return
	}
	var page []model.Case
	if err := resp.DecodeData(&page); err != nil {
		s.log.Warn("undecodable post-sync refresh", zap.Error(err))
		return
	}
	s.mergeIntoCache(ctx, page)
}

// ---- listing helpers ----

func (s *CaseServiceImpl) normalize(params model.CaseListParams) model.CaseListParams {
	if params.Page <= 0 {
		params.Page = 1
	}
	if params.Limit <= 0 {
		params.Limit = s.opts.PageSize
	}
	return params
}

func (s *CaseServiceImpl) fromCache(ctx context.Context, params model.CaseListParams) model.CaseListResponse {
	cases, err := s.localCases(ctx)
	if err != nil {
		s.log.Error("reading case cache failed", zap.Error(err))
		cases = nil
	}
	out := filterSortPaginate(cases, params)
	out.FromCache = true
	return out
}

func filterSortPaginate(cases []model.Case, params model.CaseListParams) model.CaseListResponse {
	filtered := make([]model.Case, 0, len(cases))
	search := strings.ToLower(params.Search)
	for _, c := range cases {
		if params.Status != "" && string(c.Status) != params.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(c.Title), search) &&
			!strings.Contains(strings.ToLower(c.Customer.Name), search) &&
			!strings.Contains(strings.ToLower(c.ID), search) {
			continue
		}
		filtered = append(filtered, c)
	}

	if params.SortBy == "priority" {
		sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Priority < filtered[j].Priority })
	} else {
		sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].UpdatedAt.After(filtered[j].UpdatedAt) })
	}

	total := len(filtered)
	totalPages := (total + params.Limit - 1) / params.Limit
	start := (params.Page - 1) * params.Limit
	if start > total {
		start = total
	}
	end := start + params.Limit
	if end > total {
		end = total
	}

	return model.CaseListResponse{
		Cases: filtered[start:end],
		Pagination: model.Pagination{
			Page:       params.Page,
			Limit:      params.Limit,
			Total:      total,
			TotalPages: totalPages,
		},
	}
}

func casesEndpoint(params model.CaseListParams) string {
	q := url.Values{}
	if params.Status != "" {
		q.Set("status", params.Status)
	}
	if params.Search != "" {
		q.Set("search", params.Search)
	}
	if params.SortBy != "" {
		q.Set("sortBy", params.SortBy)
	}
	if params.Page > 0 {
		q.Set("page", strconv.Itoa(params.Page))
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if len(q) == 0 {
		return "/cases"
	}
	return "/cases?" + q.Encode()
}

// mergeCase shallow-merges a partial update document into a case.
func mergeCase(c model.Case, updates map[string]any) (model.Case, error) {
	merged, err := shallowMerge(c, updates)
	if err != nil {
		return model.Case{}, err
	}
	var out model.Case
	if err := json.Unmarshal(merged, &out); err != nil {
		return model.Case{}, fmt.Errorf("apply case update: %w", err)
	}
	return out, nil
}

// stampStatusChange records the per-status timestamps on transitions.
func stampStatusChange(old, updated *model.Case, now time.Time) {
	if old.Status == updated.Status {
		return
	}
	switch updated.Status {
	case model.StatusInProgress:
		updated.InProgressAt = &now
	case model.StatusCompleted:
		updated.CompletedAt = &now
	}
}

func failureMessage(resp *api.Response) string {
	if resp.Error != nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	return "request failed"
}
