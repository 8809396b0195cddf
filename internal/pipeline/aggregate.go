package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hammy15/snfalyze-sub014/internal/config"
	"github.com/hammy15/snfalyze-sub014/internal/extract"
	"github.com/hammy15/snfalyze-sub014/internal/model"
	"github.com/hammy15/snfalyze-sub014/internal/resilience"
	"github.com/hammy15/snfalyze-sub014/internal/store"
)

// Aggregator merges extraction results into facility profiles. It is the
// single serialization point for profile writes: merges into one profile
// are mutually exclusive, merges into distinct profiles run in parallel.
//
// Every merge is staged on a clone and committed to memory only after the
// store accepts it, so a persistence failure never leaves a half-applied
// profile behind.
type Aggregator struct {
	cfg       config.ReconcileConfig
	catalog   *model.FieldCatalog
	store     store.Store
	sessionID string
	ownerID   string
	det       *detector

	mu             sync.Mutex
	profiles       []*model.FacilityProfile
	profileLocks   map[string]*sync.Mutex
	conflicts      map[string]*model.Conflict      // keyed by slot
	clarifications map[string]*model.Clarification // keyed by slot
	clarByID       map[string]*model.Clarification

	// genMu serializes clarification generation end to end. Workers run
	// the generator from their completion callbacks, and two interleaved
	// runs could each see a slot unclaimed between staging and registering.
	genMu sync.Mutex
}

// MergeStats summarizes the effect of one document merge.
type MergeStats struct {
	Accepted     int
	Corroborated int
	Opened       int
	AutoResolved int
}

// NewAggregator creates an aggregator for one session. ownerID scopes
// profile persistence; for deal-linked sessions it is the deal id so a
// later pass resumes earlier profiles.
func NewAggregator(cfg config.ReconcileConfig, catalog *model.FieldCatalog, st store.Store, sessionID, ownerID string) *Aggregator {
	return &Aggregator{
		cfg:            cfg,
		catalog:        catalog,
		store:          st,
		sessionID:      sessionID,
		ownerID:        ownerID,
		det:            &detector{cfg: cfg, catalog: catalog},
		profileLocks:   make(map[string]*sync.Mutex),
		conflicts:      make(map[string]*model.Conflict),
		clarifications: make(map[string]*model.Clarification),
		clarByID:       make(map[string]*model.Clarification),
	}
}

// Load pulls previously persisted profiles for the owner into memory.
func (a *Aggregator) Load(ctx context.Context) error {
	profiles, err := a.store.LoadProfiles(ctx, a.ownerID)
	if err != nil {
		return eris.Wrapf(err, "aggregate: load profiles for %s", a.ownerID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.profiles = profiles
	return nil
}

// Merge resolves the target profile and period for one document's
// extraction result and accepts or defers each field. All-or-nothing: on
// a persistence failure the in-memory profile is untouched and the error
// carries facility, field, and period context for manual replay.
func (a *Aggregator) Merge(ctx context.Context, docID string, res *extract.Result) (MergeStats, error) {
	var stats MergeStats

	profileID, lock := a.resolveProfile(res.Facility)
	lock.Lock()
	defer lock.Unlock()

	staged := cloneProfile(a.currentProfile(profileID))
	a.applyHint(staged, res.Facility)
	period := staged.Period(res.Period)

	var touched []*model.Conflict
	for _, f := range res.Fields {
		f.DocumentID = docID
		f.Source = model.SourceDocument

		slot := period.Slot(f.Field)
		slot.History = append(slot.History, f)

		if slot.Accepted == nil {
			accepted := f
			slot.Accepted = &accepted
			stats.Accepted++
			continue
		}

		ev := a.det.evaluate(slot, f)
		if !ev.conflict {
			stats.Corroborated++
			continue
		}

		c := a.stageConflict(staged.ID, period.Key, slot, f, ev)
		touched = append(touched, c)
		switch {
		case c.Method == model.ResolveUserOverride:
			// An explicit user decision pins the slot; the new value lands
			// in the conflict's candidate set without reopening it.
			stats.Corroborated++
		case ev.resolved:
			winner := ev.winner
			slot.Accepted = &winner
			stats.AutoResolved++
		default:
			stats.Opened++
		}
	}
	staged.UpdatedAt = time.Now().UTC()

	if err := a.store.SaveProfile(ctx, a.ownerID, staged); err != nil {
		return MergeStats{}, eris.Wrapf(err, "aggregate: save profile %s (%s, period %s)",
			staged.ID, staged.Name, res.Period.String())
	}
	for _, c := range touched {
		if err := a.store.SaveConflict(ctx, c); err != nil {
			return MergeStats{}, eris.Wrapf(err, "aggregate: save conflict %s (%s, field %s, period %s)",
				c.ID, staged.Name, c.Field, c.PeriodKey)
		}
	}

	a.commit(staged, touched)

	zap.L().Debug("aggregate: merged document",
		zap.String("session_id", a.sessionID),
		zap.String("document_id", docID),
		zap.String("facility", staged.Name),
		zap.Int("accepted", stats.Accepted),
		zap.Int("opened", stats.Opened),
		zap.Int("auto_resolved", stats.AutoResolved),
	)
	return stats, nil
}

// resolveProfile matches the hint to an existing profile by CCN, then by
// normalized name or alias overlap, and creates a new profile when no
// match clears the threshold. The returned mutex serializes writes to the
// chosen profile; callers re-read the profile with currentProfile once
// they hold it.
func (a *Aggregator) resolveProfile(hint model.FacilityHint) (string, *sync.Mutex) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hint.CCN != "" {
		for _, p := range a.profiles {
			if p.CCN == hint.CCN {
				return p.ID, a.lockFor(p.ID)
			}
		}
	}

	norm := normalizeName(hint.Name)
	var best *model.FacilityProfile
	var bestScore float64
	for _, p := range a.profiles {
		if p.HasAlias(norm, normalizeName) {
			return p.ID, a.lockFor(p.ID)
		}
		score := nameOverlap(norm, normalizeName(p.Name))
		for _, alias := range p.Aliases {
			if s := nameOverlap(norm, normalizeName(alias)); s > score {
				score = s
			}
		}
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	if best != nil && bestScore >= a.cfg.NameMatchThreshold {
		return best.ID, a.lockFor(best.ID)
	}

	p := &model.FacilityProfile{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(hint.Name),
		CCN:          hint.CCN,
		LicensedBeds: hint.LicensedBeds,
	}
	a.profiles = append(a.profiles, p)
	return p.ID, a.lockFor(p.ID)
}

// currentProfile re-reads the registered profile after the per-profile
// lock is acquired. A pointer taken during resolveProfile can be stale by
// then: a merge queued ahead of us commits by swapping the registry entry
// for its staged clone, and staging from the old pointer would drop that
// merge's fields and history.
func (a *Aggregator) currentProfile(id string) *model.FacilityProfile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profileByID(id)
}

// lockFor returns the per-profile mutex, creating it on first use.
// Caller must hold a.mu.
func (a *Aggregator) lockFor(profileID string) *sync.Mutex {
	l, ok := a.profileLocks[profileID]
	if !ok {
		l = &sync.Mutex{}
		a.profileLocks[profileID] = l
	}
	return l
}

// applyHint fills identity gaps on the staged profile from the document's
// facility hint and records name variants as aliases.
func (a *Aggregator) applyHint(staged *model.FacilityProfile, hint model.FacilityHint) {
	if hint.CCN != "" && staged.CCN == "" {
		staged.CCN = hint.CCN
	}
	if hint.LicensedBeds > 0 && staged.LicensedBeds == 0 {
		staged.LicensedBeds = hint.LicensedBeds
	}
	staged.AddAlias(strings.TrimSpace(hint.Name))
}

// stageConflict builds the updated conflict record for a slot without
// mutating the registered one. Conflicts are unique per slot: a reproduced
// disagreement appends candidates to the existing record instead of
// creating a second one.
func (a *Aggregator) stageConflict(facilityID string, period model.PeriodKey, slot *model.FieldSlot, incoming model.ExtractedField, ev evaluation) *model.Conflict {
	key := facilityID + "|" + incoming.Field + "|" + period.String()

	a.mu.Lock()
	existing := a.conflicts[key]
	a.mu.Unlock()

	now := time.Now().UTC()
	var c *model.Conflict
	if existing != nil {
		clone := *existing
		clone.Candidates = append([]model.Candidate(nil), existing.Candidates...)
		c = &clone
		c.Severity = moreSevere(c.Severity, ev.severity)
	} else {
		c = &model.Conflict{
			ID:         uuid.NewString(),
			SessionID:  a.sessionID,
			FacilityID: facilityID,
			Field:      incoming.Field,
			PeriodKey:  period.String(),
			Severity:   ev.severity,
			CreatedAt:  now,
		}
	}

	accepted := *slot.Accepted
	for _, f := range []model.ExtractedField{accepted, incoming} {
		cand := model.Candidate{
			Value:      f.Value,
			Confidence: f.Confidence,
			DocumentID: f.DocumentID,
			Source:     f.Source,
		}
		if !c.HasCandidate(cand) {
			c.Candidates = append(c.Candidates, cand)
		}
	}

	c.Variance = ev.variance
	c.UpdatedAt = now
	switch {
	case c.Method == model.ResolveUserOverride:
		// A user_override stands until an explicit action replaces it.
		// Reopening here would erase the method and resolved value the
		// audit trail depends on.
	case ev.resolved:
		c.Status = model.ConflictResolved
		c.Method = model.ResolveAutoHighestConfidence
		c.ResolvedValue = ev.winner.Value
	default:
		c.Status = model.ConflictOpen
		c.Method = ""
		c.ResolvedValue = nil
	}
	return c
}

// commit swaps the staged profile and conflicts into the registry after a
// successful persistence round.
func (a *Aggregator) commit(staged *model.FacilityProfile, touched []*model.Conflict) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, p := range a.profiles {
		if p.ID == staged.ID {
			a.profiles[i] = staged
			break
		}
	}
	for _, c := range touched {
		a.conflicts[c.SlotKey()] = c
	}
}

// ApplyResolution writes a user-provided value back into the targeted
// slot, resolving the clarification and its originating conflict.
func (a *Aggregator) ApplyResolution(ctx context.Context, clarificationID string, value any, resolvedBy string) error {
	a.mu.Lock()
	clar, ok := a.clarByID[clarificationID]
	if !ok {
		a.mu.Unlock()
		return eris.Wrapf(resilience.ErrNotFound, "aggregate: clarification %s", clarificationID)
	}
	if clar.Status != model.ClarificationPending {
		a.mu.Unlock()
		return eris.Wrapf(resilience.ErrAlreadyTerminal, "aggregate: clarification %s is %s", clarificationID, clar.Status)
	}
	profileID := clar.FacilityID
	var lock *sync.Mutex
	if a.profileByID(profileID) != nil {
		lock = a.lockFor(profileID)
	}
	a.mu.Unlock()

	if lock == nil {
		return eris.Wrapf(resilience.ErrNotFound, "aggregate: facility %s", profileID)
	}

	lock.Lock()
	defer lock.Unlock()

	// Re-read registry state now that the profile lock is held; a merge
	// queued ahead of this resolution may have committed a newer profile
	// or conflict than the pointers fetched above.
	a.mu.Lock()
	profile := a.profileByID(profileID)
	conflict := a.conflicts[clar.SlotKey()]
	clar = a.clarByID[clarificationID]
	a.mu.Unlock()

	if clar.Status != model.ClarificationPending {
		return eris.Wrapf(resilience.ErrAlreadyTerminal, "aggregate: clarification %s is %s", clarificationID, clar.Status)
	}

	now := time.Now().UTC()
	staged := cloneProfile(profile)
	rec := periodByKey(staged, clar.PeriodKey)
	if rec == nil {
		key, err := parsePeriodKey(clar.PeriodKey)
		if err != nil {
			return eris.Wrapf(err, "aggregate: clarification %s period", clarificationID)
		}
		rec = staged.Period(key)
	}

	userField := model.ExtractedField{
		Field:      clar.Field,
		Value:      value,
		Confidence: 1,
		Source:     model.SourceUser,
	}
	slot := rec.Slot(clar.Field)
	slot.History = append(slot.History, userField)
	slot.Accepted = &userField
	staged.UpdatedAt = now

	var stagedConflict *model.Conflict
	if conflict != nil {
		clone := *conflict
		clone.Candidates = append([]model.Candidate(nil), conflict.Candidates...)
		clone.Status = model.ConflictResolved
		clone.Method = model.ResolveUserOverride
		clone.ResolvedValue = value
		clone.UpdatedAt = now
		stagedConflict = &clone
	}

	stagedClar := *clar
	stagedClar.Status = model.ClarificationResolved
	stagedClar.Resolution = &model.ClarificationResolution{
		Value:      value,
		ResolvedBy: resolvedBy,
		ResolvedAt: now,
	}
	stagedClar.UpdatedAt = now

	if err := a.store.SaveProfile(ctx, a.ownerID, staged); err != nil {
		return eris.Wrapf(err, "aggregate: save profile %s (field %s, period %s)",
			staged.ID, clar.Field, clar.PeriodKey)
	}
	if stagedConflict != nil {
		if err := a.store.SaveConflict(ctx, stagedConflict); err != nil {
			return eris.Wrapf(err, "aggregate: save conflict %s", stagedConflict.ID)
		}
	}
	if err := a.store.SaveClarification(ctx, &stagedClar); err != nil {
		return eris.Wrapf(err, "aggregate: save clarification %s", stagedClar.ID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, p := range a.profiles {
		if p.ID == staged.ID {
			a.profiles[i] = staged
			break
		}
	}
	if stagedConflict != nil {
		a.conflicts[stagedConflict.SlotKey()] = stagedConflict
	}
	a.clarifications[stagedClar.SlotKey()] = &stagedClar
	a.clarByID[stagedClar.ID] = &stagedClar
	return nil
}

// SkipResolution marks a clarification skipped. The previously accepted
// value stands and the originating conflict stays open.
func (a *Aggregator) SkipResolution(ctx context.Context, clarificationID string) error {
	a.mu.Lock()
	clar, ok := a.clarByID[clarificationID]
	if !ok {
		a.mu.Unlock()
		return eris.Wrapf(resilience.ErrNotFound, "aggregate: clarification %s", clarificationID)
	}
	if clar.Status != model.ClarificationPending {
		a.mu.Unlock()
		return eris.Wrapf(resilience.ErrAlreadyTerminal, "aggregate: clarification %s is %s", clarificationID, clar.Status)
	}
	a.mu.Unlock()

	staged := *clar
	staged.Status = model.ClarificationSkipped
	staged.UpdatedAt = time.Now().UTC()

	if err := a.store.SaveClarification(ctx, &staged); err != nil {
		return eris.Wrapf(err, "aggregate: save clarification %s", staged.ID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.clarifications[staged.SlotKey()] = &staged
	a.clarByID[staged.ID] = &staged
	return nil
}

// HasClarification reports whether this aggregator owns the given
// clarification id.
func (a *Aggregator) HasClarification(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.clarByID[id]
	return ok
}

// Profiles returns the current profile set.
func (a *Aggregator) Profiles() []*model.FacilityProfile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*model.FacilityProfile(nil), a.profiles...)
}

// Conflicts returns all recorded conflicts.
func (a *Aggregator) Conflicts() []*model.Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*model.Conflict, 0, len(a.conflicts))
	for _, c := range a.conflicts {
		out = append(out, c)
	}
	return out
}

// Clarifications returns all recorded clarifications.
func (a *Aggregator) Clarifications() []*model.Clarification {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*model.Clarification, 0, len(a.clarByID))
	for _, c := range a.clarByID {
		out = append(out, c)
	}
	return out
}

// Counts returns facility, open-conflict, and pending-clarification totals
// for progress summaries.
func (a *Aggregator) Counts() (facilities, openConflicts, pendingClars int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	facilities = len(a.profiles)
	for _, c := range a.conflicts {
		if c.Status == model.ConflictOpen {
			openConflicts++
		}
	}
	for _, c := range a.clarByID {
		if c.Status == model.ClarificationPending {
			pendingClars++
		}
	}
	return facilities, openConflicts, pendingClars
}

// profileByID looks a profile up by id. Caller must hold a.mu.
func (a *Aggregator) profileByID(id string) *model.FacilityProfile {
	for _, p := range a.profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func periodByKey(p *model.FacilityProfile, key string) *model.PeriodRecord {
	for _, rec := range p.Periods {
		if rec.Key.String() == key {
			return rec
		}
	}
	return nil
}

// parsePeriodKey inverts PeriodKey.String ("start..end" dates).
func parsePeriodKey(key string) (model.PeriodKey, error) {
	parts := strings.SplitN(key, "..", 2)
	if len(parts) != 2 {
		return model.PeriodKey{}, eris.Errorf("aggregate: malformed period key %q", key)
	}
	start, err := time.Parse("2006-01-02", parts[0])
	if err != nil {
		return model.PeriodKey{}, eris.Wrapf(err, "aggregate: period start %q", parts[0])
	}
	end, err := time.Parse("2006-01-02", parts[1])
	if err != nil {
		return model.PeriodKey{}, eris.Wrapf(err, "aggregate: period end %q", parts[1])
	}
	return model.PeriodKey{Start: start, End: end}, nil
}

// cloneProfile deep-copies a profile so merges can stage changes and
// abandon them when persistence fails.
func cloneProfile(p *model.FacilityProfile) *model.FacilityProfile {
	c := *p
	c.Aliases = append([]string(nil), p.Aliases...)
	c.Periods = make([]*model.PeriodRecord, len(p.Periods))
	for i, rec := range p.Periods {
		rc := &model.PeriodRecord{
			Key:   rec.Key,
			Slots: make(map[string]*model.FieldSlot, len(rec.Slots)),
		}
		for field, slot := range rec.Slots {
			sc := &model.FieldSlot{
				History: append([]model.ExtractedField(nil), slot.History...),
			}
			if slot.Accepted != nil {
				accepted := *slot.Accepted
				sc.Accepted = &accepted
			}
			rc.Slots[field] = sc
		}
		c.Periods[i] = rc
	}
	return &c
}
