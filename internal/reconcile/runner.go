// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/mediaserver"
	"github.com/tomtom215/watchsync/internal/metrics"
	"github.com/tomtom215/watchsync/internal/models"
)

// State is the Runner's position in a pass.
type State int32

const (
	StateIdle State = iota
	StateListing
	StateMatching
	StateDiffing
	StateApplying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateListing:
		return "listing"
	case StateMatching:
		return "matching"
	case StateDiffing:
		return "diffing"
	case StateApplying:
		return "applying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// MarkStore persists pass outcomes.
type MarkStore interface {
	LoadMark(ctx context.Context) (models.RunMark, error)
	SaveMark(ctx context.Context, mark models.RunMark) error
	SaveReport(ctx context.Context, report *models.PassReport) error
	SaveFailedActions(ctx context.Context, passID string, failed []models.FailedAction) error
}

// Publisher announces finished passes.
type Publisher interface {
	PublishPass(ctx context.Context, report *models.PassReport) error
}

// Options configures a Runner.
type Options struct {
	Workers     int
	CallTimeout time.Duration
	Retry       RetryPolicy
	DryRun      bool
	Policy      Policy
	Users       MappingTable
	// LibraryMapping renames server library names to a shared scope name.
	LibraryMapping     map[string]string
	MinProgressSeconds int
	ReleaseTags        []string
	// Playlists enables playlist sync on servers that support it.
	Playlists bool
}

// DefaultOptions returns the defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Workers:            10,
		CallTimeout:        30 * time.Second,
		Retry:              DefaultRetryPolicy(),
		Policy:             Policy{Direction: DirectionMulti},
		MinProgressSeconds: 60,
	}
}

type triggerKey struct{}

// ContextWithTrigger records what started a pass.
func ContextWithTrigger(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, triggerKey{}, source)
}

// TriggerFromContext returns the trigger source, or "".
func TriggerFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(triggerKey{}).(string); ok {
		return s
	}
	return ""
}

// Runner executes reconciliation passes. Run is not reentrant; the
// scheduler guarantees a single pass at a time.
type Runner struct {
	servers   []mediaserver.MediaServer
	byID      map[string]mediaserver.MediaServer
	opts      Options
	store     MarkStore
	publisher Publisher
	playlists PlaylistStore
	norm      *Normalizer
	matcher   *Matcher
	director  *Director

	state atomic.Int32

	mu            sync.Mutex
	last          *models.PassReport
	passes        int
	totalDuration time.Duration
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithMarkStore persists marks and reports to s.
func WithMarkStore(s MarkStore) RunnerOption {
	return func(r *Runner) { r.store = s }
}

// WithPlaylistStore persists playlist membership between passes. Without
// one, a removal on one server cannot be told from an addition on another,
// so playlist entries are only ever added.
func WithPlaylistStore(s PlaylistStore) RunnerOption {
	return func(r *Runner) { r.playlists = s }
}

// WithPublisher announces every finished pass on p.
func WithPublisher(p Publisher) RunnerOption {
	return func(r *Runner) { r.publisher = p }
}

// NewRunner builds a Runner over servers.
func NewRunner(servers []mediaserver.MediaServer, opts Options, options ...RunnerOption) *Runner {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = def.Retry
	}
	if opts.Policy.Direction == "" {
		opts.Policy.Direction = DirectionMulti
	}

	r := &Runner{
		servers: servers,
		byID:    make(map[string]mediaserver.MediaServer, len(servers)),
		opts:    opts,
		norm:    NewNormalizer(opts.ReleaseTags),
	}
	r.opts.Policy.Libraries = expandFilter(opts.Policy.Libraries, func(name string) string {
		return r.scopeOf(models.Library{Name: name})
	})
	r.matcher = NewMatcher(r.norm)
	r.director = NewDirector(r.opts.Policy)
	for _, s := range servers {
		r.byID[s.ID()] = s
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// State returns the current pass state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// LastReport returns the report of the most recent pass, or nil.
func (r *Runner) LastReport() *models.PassReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Runner) setState(ctx context.Context, s State) {
	r.state.Store(int32(s))
	logging.Ctx(ctx).Debug().Str("state", s.String()).Msg("Pass state")
}

// validate reports setup errors that stop a pass before listing.
func (r *Runner) validate() error {
	if len(r.servers) == 0 {
		return &ConfigError{Field: "servers", Reason: "no servers configured"}
	}
	if len(r.byID) != len(r.servers) {
		return &ConfigError{Field: "servers", Reason: "duplicate server id"}
	}
	if err := ValidateMappingTable(r.opts.Users); err != nil {
		return err
	}
	ids := make([]string, 0, len(r.servers))
	for _, s := range r.servers {
		ids = append(ids, s.ID())
	}
	return r.opts.Policy.Validate(ids)
}

// Run executes one pass. The returned report is never nil. The error is
// non-nil only for a ConfigError, which fails the pass before listing.
func (r *Runner) Run(ctx context.Context) (*models.PassReport, error) {
	report := &models.PassReport{
		ID:        uuid.New().String(),
		Trigger:   TriggerFromContext(ctx),
		DryRun:    r.opts.DryRun,
		StartedAt: time.Now().UTC(),
		Servers:   len(r.servers),
	}
	if logging.CorrelationIDFromContext(ctx) == "" {
		ctx = logging.ContextWithNewCorrelationID(ctx)
	}
	ctx = logging.ContextWithPassID(ctx, report.ID)
	log := logging.Ctx(ctx)
	log.Info().Str("trigger", report.Trigger).Int("servers", report.Servers).Bool("dry_run", report.DryRun).
		Msg("Reconciliation pass starting")

	if err := r.validate(); err != nil {
		r.setState(ctx, StateFailed)
		report.Status = models.PassFailed
		report.Error = err.Error()
		log.Error().Err(err).Msg("Reconciliation pass failed before listing")
		r.finish(ctx, report, false)
		return report, err
	}

	r.setState(ctx, StateListing)
	listings := r.list(ctx)
	if r.cancelled(ctx, report) {
		return report, nil
	}

	listed := make([]*serverListing, 0, len(listings))
	report.DegradedServers = make(map[string]string)
	for _, l := range listings {
		if l.err != nil {
			report.DegradedServers[l.server] = l.err.Error()
			log.Warn().Err(l.err).Str("server", l.server).Str("kind", errorKind(l.err)).Msg("Server degraded for this pass")
			continue
		}
		report.Items += l.itemCount()
		listed = append(listed, l)
	}
	if len(listed) == 0 {
		r.setState(ctx, StateFailed)
		report.Status = models.PassAborted
		report.Error = "no server could be listed"
		log.Error().Msg("Reconciliation pass aborted: every server failed listing")
		r.finish(ctx, report, false)
		return report, nil
	}

	mapping, err := ResolveUsers(accountsOf(listed), r.opts.Users)
	if err != nil {
		r.setState(ctx, StateFailed)
		report.Status = models.PassFailed
		report.Error = err.Error()
		r.finish(ctx, report, false)
		return report, err
	}
	r.listStates(ctx, listed, mapping, report)
	if r.cancelled(ctx, report) {
		return report, nil
	}

	r.setState(ctx, StateMatching)
	groups := r.match(ctx, listed, report)
	if r.cancelled(ctx, report) {
		return report, nil
	}

	r.setState(ctx, StateDiffing)
	actions := r.diff(groups, mapping, listed)
	kept, dropped := r.director.Direct(actions)
	report.ActionsPlanned = len(actions)
	report.ActionsFiltered = len(dropped)
	log.Info().Int("groups", report.Groups).Int("matched", report.MatchedGroups).
		Int("identities", len(mapping.CrossServer())).Int("actions", len(kept)).Int("filtered", len(dropped)).
		Msg("Diff complete")
	if r.cancelled(ctx, report) {
		return report, nil
	}

	r.setState(ctx, StateApplying)
	r.apply(ctx, kept, report)
	if r.opts.Playlists && ctx.Err() == nil {
		r.syncPlaylists(ctx, groups, mapping, listed, report)
	}

	switch {
	case ctx.Err() != nil:
		report.Status = models.PassCancelled
	case len(report.DegradedServers) > 0 || len(report.DegradedAccounts) > 0 ||
		report.ActionsFailed > 0 || report.PlaylistActionsFailed > 0:
		report.Status = models.PassDegraded
	default:
		report.Status = models.PassCompleted
	}
	r.setState(ctx, StateDone)
	r.finish(ctx, report, report.Status != models.PassCancelled && report.ListingSucceeded())
	return report, nil
}

func errorKind(err error) string {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Kind().String()
	}
	return mediaserver.KindOf(err).String()
}

// cancelled ends the pass when ctx is done between stages.
func (r *Runner) cancelled(ctx context.Context, report *models.PassReport) bool {
	if ctx.Err() == nil {
		return false
	}
	r.setState(ctx, StateFailed)
	report.Status = models.PassCancelled
	report.Error = ctx.Err().Error()
	logging.Ctx(ctx).Warn().Msg("Reconciliation pass cancelled")
	r.finish(ctx, report, false)
	return true
}

// finish records the outcome. Persistence and publishing use a detached
// context so a cancelled pass still leaves a report.
func (r *Runner) finish(ctx context.Context, report *models.PassReport, updateMark bool) {
	report.FinishedAt = time.Now().UTC()
	log := logging.Ctx(ctx)
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.CallTimeout)
	defer cancel()

	if r.store != nil {
		if err := r.store.SaveReport(persistCtx, report); err != nil {
			log.Error().Err(err).Msg("Failed to save pass report")
		}
		if len(report.FailedActions) > 0 {
			if err := r.store.SaveFailedActions(persistCtx, report.ID, report.FailedActions); err != nil {
				log.Error().Err(err).Msg("Failed to save failed actions")
			}
		}
		if updateMark {
			mark := models.RunMark{PassID: report.ID, CompletedAt: report.FinishedAt}
			if err := r.store.SaveMark(persistCtx, mark); err != nil {
				log.Error().Err(err).Msg("Failed to save run mark")
			}
		}
	}
	if r.publisher != nil {
		if err := r.publisher.PublishPass(persistCtx, report); err != nil {
			log.Warn().Err(err).Msg("Failed to publish pass event")
		}
	}

	metrics.RecordPass(string(report.Status), report.Duration(), len(report.DegradedServers),
		report.MatchedGroups, report.Conflicts, updateMark)
	metrics.SetDegradedAccounts(len(report.DegradedAccounts))

	r.mu.Lock()
	r.last = report
	r.passes++
	r.totalDuration += report.Duration()
	avg := r.totalDuration / time.Duration(r.passes)
	r.mu.Unlock()

	log.Info().
		Str("status", string(report.Status)).
		Dur("duration", report.Duration()).
		Dur("avg_duration", avg).
		Int("degraded_servers", len(report.DegradedServers)).
		Int("degraded_accounts", len(report.DegradedAccounts)).
		Int("matched_groups", report.MatchedGroups).
		Int("conflicts", report.Conflicts).
		Int("applied", report.ActionsApplied).
		Int("failed", report.ActionsFailed).
		Int("playlist_applied", report.PlaylistActionsApplied).
		Int("playlist_failed", report.PlaylistActionsFailed).
		Bool("mark_updated", updateMark).
		Msg("Reconciliation pass finished")
}

// serverListing is one Listing worker's result. It is written only by its
// worker and read by Run after the pool drains.
type serverListing struct {
	server    string
	libraries []models.Library
	accounts  []models.Account
	items     map[string][]models.ServerItem
	states    StateSnapshot
	failed    []accountFailure
	err       error
}

// accountFailure is one account whose state could not be read.
type accountFailure struct {
	account models.Account
	err     error
}

func (l *serverListing) itemCount() int {
	n := 0
	for _, items := range l.items {
		n += len(items)
	}
	return n
}

func accountsOf(listed []*serverListing) map[string][]models.Account {
	out := make(map[string][]models.Account, len(listed))
	for _, l := range listed {
		out[l.server] = l.accounts
	}
	return out
}

func (r *Runner) list(ctx context.Context) []*serverListing {
	results := make([]*serverListing, len(r.servers))
	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, srv := range r.servers {
		g.Go(func() error {
			results[i] = r.listServer(ctx, srv)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// withTimeout runs one server call under the per-call timeout.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(cctx)
}

// listServer reads the libraries, accounts and items of one server. Any
// failure here degrades the whole server.
func (r *Runner) listServer(ctx context.Context, srv mediaserver.MediaServer) *serverListing {
	l := &serverListing{server: srv.ID(), items: make(map[string][]models.ServerItem), states: make(StateSnapshot)}
	fail := func(stage string, err error) *serverListing {
		l.err = &ServerError{Server: l.server, Stage: stage, Err: err}
		return l
	}
	timeout := r.opts.CallTimeout

	libs, err := withTimeout(ctx, timeout, srv.ListLibraries)
	if err != nil {
		return fail("list_libraries", err)
	}
	for _, lib := range libs {
		if r.libraryAllowed(lib) {
			l.libraries = append(l.libraries, lib)
		}
	}

	l.accounts, err = withTimeout(ctx, timeout, srv.ListUsers)
	if err != nil {
		return fail("list_users", err)
	}

	for _, lib := range l.libraries {
		items, err := withTimeout(ctx, timeout, func(c context.Context) ([]models.ServerItem, error) {
			return srv.ListItems(c, lib.ID)
		})
		if err != nil {
			return fail("list_items", err)
		}
		l.items[lib.ID] = items
	}

	logging.Ctx(ctx).Debug().Str("server", l.server).Int("libraries", len(l.libraries)).
		Int("accounts", len(l.accounts)).Int("items", l.itemCount()).Msg("Server listed")
	return l
}

// listStates reads watch state for the accounts that belong to a
// cross-server identity. An account whose state cannot be read is recorded
// in the report and leaves its identity for this pass; its server and the
// other accounts on it carry on.
func (r *Runner) listStates(ctx context.Context, listed []*serverListing, mapping *UserMapping, report *models.PassReport) {
	wanted := make(map[string][]models.Account)
	for _, id := range mapping.CrossServer() {
		for server, acc := range id.Accounts {
			wanted[server] = append(wanted[server], acc)
		}
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for _, l := range listed {
		srv := r.byID[l.server]
		g.Go(func() error {
			for _, acc := range wanted[l.server] {
				for _, lib := range l.libraries {
					if err := r.listAccountStates(ctx, srv, lib.ID, l.items[lib.ID], acc, l.states); err != nil {
						l.failed = append(l.failed, accountFailure{account: acc, err: err})
						break
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	log := logging.Ctx(ctx)
	for _, l := range listed {
		for _, f := range l.failed {
			if report.DegradedAccounts == nil {
				report.DegradedAccounts = make(map[string]string)
			}
			report.DegradedAccounts[l.server+"/"+f.account.Name] = f.err.Error()
			log.Warn().Err(f.err).Str("server", l.server).Str("account", f.account.Name).
				Str("kind", errorKind(f.err)).Msg("Account skipped for this pass")
			mapping.Exclude(l.server, f.account.ID)
		}
	}
}

func (r *Runner) listAccountStates(ctx context.Context, srv mediaserver.MediaServer, libraryID string,
	items []models.ServerItem, acc models.Account, into StateSnapshot) error {
	if lister, ok := srv.(mediaserver.WatchStateLister); ok {
		states, err := withTimeout(ctx, r.opts.CallTimeout, func(c context.Context) (map[string]models.WatchState, error) {
			return lister.ListWatchStates(c, libraryID, acc.ID)
		})
		if err != nil {
			return err
		}
		for itemID, st := range states {
			into[StateKey{Server: srv.ID(), Item: itemID, Account: acc.ID}] = st
		}
		return nil
	}

	for _, it := range items {
		st, err := withTimeout(ctx, r.opts.CallTimeout, func(c context.Context) (models.WatchState, error) {
			return srv.GetWatchState(c, it.ItemID, acc.ID)
		})
		if errors.Is(err, mediaserver.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if st.Watched || st.ProgressSeconds > 0 {
			into[StateKey{Server: srv.ID(), Item: it.ItemID, Account: acc.ID}] = st
		}
	}
	return nil
}

// libraryAllowed filters on the scope name. The library filter has already
// been expanded through the library mapping, so every server's library in
// one scope gets the same answer.
func (r *Runner) libraryAllowed(lib models.Library) bool {
	return r.opts.Policy.Libraries.Permits(r.scopeOf(lib)) && r.opts.Policy.LibraryTypes.Permits(lib.Type)
}

// scopeOf returns the shared scope name of a library.
func (r *Runner) scopeOf(lib models.Library) string {
	for name, scope := range r.opts.LibraryMapping {
		if strings.EqualFold(name, lib.Name) {
			return strings.ToLower(strings.TrimSpace(scope))
		}
	}
	return strings.ToLower(strings.TrimSpace(lib.Name))
}

type scopeItems struct {
	name     string
	libType  string
	byServer map[string][]models.ServerItem
}

func (r *Runner) match(ctx context.Context, listed []*serverListing, report *models.PassReport) []ItemGroup {
	scopes := make(map[string]*scopeItems)
	for _, l := range listed {
		for _, lib := range l.libraries {
			// Same-named libraries of different types stay apart.
			name := r.scopeOf(lib)
			key := name + "/" + lib.Type
			sc, ok := scopes[key]
			if !ok {
				sc = &scopeItems{name: name, libType: lib.Type, byServer: make(map[string][]models.ServerItem)}
				scopes[key] = sc
			}
			sc.byServer[l.server] = append(sc.byServer[l.server], l.items[lib.ID]...)
		}
	}

	log := logging.Ctx(ctx)
	var groups []ItemGroup
	for _, key := range sortedKeys(scopes) {
		sc := scopes[key]
		res := r.matcher.GroupItems(key, sc.name, sc.libType, sc.byServer)
		for _, c := range res.Conflicts {
			log.Warn().Str("scope", c.Scope).Str("server", c.Server).Strs("items", c.Items).Str("key", c.Key).
				Msg("Ambiguous match, items excluded")
		}
		if res.Unmatchable > 0 {
			log.Debug().Str("scope", key).Int("items", res.Unmatchable).Msg("Items without provider ids or path skipped")
		}
		report.Conflicts += len(res.Conflicts)
		report.Unmatchable += res.Unmatchable
		report.MatchedGroups += res.Matched()
		groups = append(groups, res.Groups...)
	}
	report.Groups = len(groups)
	return groups
}

func (r *Runner) diff(groups []ItemGroup, mapping *UserMapping, listed []*serverListing) []models.SyncAction {
	states := make(StateSnapshot)
	servers := make([]string, 0, len(listed))
	for _, l := range listed {
		servers = append(servers, l.server)
		for k, v := range l.states {
			states[k] = v
		}
	}

	differ := &Differ{MinProgressSeconds: r.opts.MinProgressSeconds, Sources: r.director.Sources(servers)}
	identities := mapping.CrossServer()

	var actions []models.SyncAction
	for i := range groups {
		if len(groups[i].Members) < 2 {
			continue
		}
		for _, id := range identities {
			actions = append(actions, differ.Diff(&groups[i], id, states)...)
		}
	}
	return actions
}

type actionResult struct {
	attempts int
	err      error
	skipped  bool
}

func (r *Runner) apply(ctx context.Context, actions []models.SyncAction, report *models.PassReport) {
	log := logging.Ctx(ctx)
	if r.opts.DryRun {
		for _, a := range actions {
			log.Info().Str("server", a.TargetServer).Str("item", a.TargetItem).Str("title", a.Title).
				Str("user", a.CanonicalUser).Str("desired", a.Desired.String()).Msg("Dry run: would update watch state")
			metrics.RecordAction(a.TargetServer, "dry_run")
		}
		return
	}

	results := make([]actionResult, len(actions))
	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, a := range actions {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = actionResult{skipped: true}
				return nil
			}
			srv := r.byID[a.TargetServer]
			attempts, err := retryWithBackoff(ctx, r.opts.Retry, func(c context.Context) error {
				cctx, cancel := context.WithTimeout(c, r.opts.CallTimeout)
				defer cancel()
				return srv.SetWatchState(cctx, a.TargetItem, a.TargetUser, a.Desired)
			})
			results[i] = actionResult{attempts: attempts, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		a := actions[i]
		switch {
		case res.skipped:
			metrics.RecordAction(a.TargetServer, "skipped")
		case res.err != nil:
			aerr := &ActionError{Action: a, Attempts: res.attempts, Err: res.err}
			kind := mediaserver.KindOf(res.err).String()
			log.Error().Err(aerr).Str("server", a.TargetServer).Str("kind", kind).Msg("Watch state update failed")
			report.ActionsFailed++
			report.FailedActions = append(report.FailedActions, models.FailedAction{
				PassID:   report.ID,
				Action:   a,
				Attempts: res.attempts,
				Kind:     kind,
				Error:    fmt.Sprint(res.err),
				FailedAt: time.Now().UTC(),
			})
			metrics.RecordAction(a.TargetServer, "failed")
		default:
			log.Info().Str("server", a.TargetServer).Str("item", a.TargetItem).Str("title", a.Title).
				Str("user", a.CanonicalUser).Str("desired", a.Desired.String()).Msg("Watch state updated")
			report.ActionsApplied++
			metrics.RecordAction(a.TargetServer, "applied")
		}
	}
}
