package recon

// Outcome classifies a record against the rest of its record set.
type Outcome string

const (
	// OutcomeNew means the record matched nothing.
	OutcomeNew Outcome = "new"
	// OutcomeUpdate means the record paired with another above the
	// threshold but with meaningful differences. Update candidates are
	// never consolidated; the pair is surfaced for the caller to act on.
	OutcomeUpdate Outcome = "update"
	// OutcomeMatch means the record is an exact duplicate: the comparison
	// produced no meaningful change.
	OutcomeMatch Outcome = "match"
)

// MergePair links a cluster head to one exact duplicate absorbed into it.
// Only exact matches become merge pairs; consolidating a pair that still
// carries differences would destroy data.
type MergePair struct {
	Primary   Resource `json:"primary"`
	Duplicate Resource `json:"duplicate"`
	Score     float64  `json:"score"`
	Changes   []Edit   `json:"changes,omitempty"`
}

// Classification is the per-record verdict of a clustering run. Match heads
// carry the absorbed cluster members; update candidates carry the target
// record and the surviving change list.
type Classification struct {
	Outcome Outcome    `json:"outcome"`
	Record  Resource   `json:"record"`
	Target  Resource   `json:"target,omitempty"`
	Members []Resource `json:"members,omitempty"`
	Score   float64    `json:"score,omitempty"`
	Changes []Edit     `json:"changes,omitempty"`
}

// ClusterResult is the outcome of fixpoint clustering: exact-match clusters,
// update-candidate pairs, unmatched records, the derived merge pairs, and
// the final match matrix.
type ClusterResult struct {
	Matches []Classification `json:"matches,omitempty"`
	Updates []Classification `json:"updates,omitempty"`
	News    []Classification `json:"news,omitempty"`
	Merges  []MergePair      `json:"merges,omitempty"`
	Matrix  MatchMatrix      `json:"-"`
}

// ReconcileResult bundles the classifications of the incoming records with
// the exact-duplicate merge pairs the clustering found.
type ReconcileResult struct {
	Classifications []Classification `json:"classifications"`
	Merges          []MergePair      `json:"merges,omitempty"`
}

type slotState int

const (
	slotActive slotState = iota
	slotAbsorbed
)

// slot is a cluster arena entry. Absorbed slots stay in place so positional
// iteration remains stable across passes; they are simply skipped.
type slot struct {
	rec   Resource
	state slotState
}

// Clusterer groups same-type records into exact-match clusters and
// update-candidate pairs by repeated pairwise scoring.
type Clusterer struct {
	scorer    *Scorer
	threshold float64
}

// NewClusterer creates a Clusterer with the given score threshold. The
// threshold gates update candidates only; absorption into a cluster
// requires an exact match regardless of score.
func NewClusterer(scorer *Scorer, threshold float64) *Clusterer {
	return &Clusterer{scorer: scorer, threshold: threshold}
}

type passResult struct {
	matches  []Classification
	updates  []Classification
	news     []Classification
	merges   []MergePair
	absorbed int
}

// Cluster runs fixpoint clustering over every type in the index. Passes
// repeat while any pass absorbed an exact duplicate: the growing matrix lets
// the scorer discard reference edits that point into the same cluster, so a
// later pass can find exact matches an earlier one could not. Match
// clusters accumulate across passes; update and new classifications are
// taken from the final pass, when the record set has stopped shrinking.
func (c *Clusterer) Cluster(index *RecordIndex) ClusterResult {
	matrix := MatchMatrix{}

	arenas := make(map[string][]*slot)
	for _, typ := range index.Types() {
		// Per-type lists arrive sorted by id from BuildIndex, so slot
		// positions are stable across runs.
		recs := index.ByType[typ]
		slots := make([]*slot, len(recs))
		for i, r := range recs {
			slots[i] = &slot{rec: r}
		}
		arenas[typ] = slots
	}

	result := ClusterResult{Matrix: matrix}
	for {
		absorbed := 0
		var updates, news []Classification
		for _, typ := range index.Types() {
			pr := c.pass(arenas[typ], matrix, index)
			absorbed += pr.absorbed
			result.Matches = append(result.Matches, pr.matches...)
			result.Merges = append(result.Merges, pr.merges...)
			updates = append(updates, pr.updates...)
			news = append(news, pr.news...)
		}
		result.Updates = updates
		result.News = news
		if absorbed == 0 {
			break
		}
	}
	return result
}

// pass is one sweep over a single type's arena. A head absorbs every exact
// duplicate it meets; a non-exact score above the threshold only nominates
// an update candidate, and an exact match found on the same sweep wins over
// any candidate. Records consumed as update candidates are not reported as
// new.
func (c *Clusterer) pass(slots []*slot, matrix MatchMatrix, index *RecordIndex) passResult {
	var pr passResult
	used := make(map[string]bool)

	for i, si := range slots {
		if si.state == slotAbsorbed || matrix[si.rec.Ref()] != "" {
			continue
		}

		var members []Resource
		var best *slot
		var bestResult ScoreResult
		for _, sj := range slots[i+1:] {
			if sj.state == slotAbsorbed || matrix[sj.rec.Ref()] != "" {
				continue
			}
			res := c.scorer.Score(si.rec, sj.rec, matrix, index)
			// A mismatch override also yields an empty change list, but
			// at score zero; it must never cluster.
			if res.Exact() && res.Score > 0 {
				matrix[si.rec.Ref()] = si.rec.Ref()
				matrix[sj.rec.Ref()] = si.rec.Ref()
				sj.state = slotAbsorbed
				members = append(members, sj.rec)
				pr.merges = append(pr.merges, MergePair{
					Primary:   si.rec,
					Duplicate: sj.rec,
					Score:     res.Score,
				})
				continue
			}
			if res.Score <= c.threshold {
				continue
			}
			// Strictly greater keeps the earliest candidate on ties.
			if best == nil || res.Score > bestResult.Score {
				best = sj
				bestResult = res
			}
		}

		switch {
		case len(members) > 0:
			// An update candidate found on the same sweep is discarded in
			// favor of the exact match.
			pr.absorbed += len(members)
			pr.matches = append(pr.matches, Classification{
				Outcome: OutcomeMatch,
				Record:  si.rec,
				Members: members,
			})
		case best != nil:
			used[best.rec.Ref()] = true
			pr.updates = append(pr.updates, Classification{
				Outcome: OutcomeUpdate,
				Record:  si.rec,
				Target:  best.rec,
				Score:   bestResult.Score,
				Changes: bestResult.Changes,
			})
		case !used[si.rec.Ref()]:
			pr.news = append(pr.news, Classification{Outcome: OutcomeNew, Record: si.rec})
		}
	}
	return pr
}

// Deduplicate clusters a record set against itself. Exact duplicates fold
// toward the record that sorts first; near-duplicates surface as update
// candidates only.
func (c *Clusterer) Deduplicate(records []Resource) ClusterResult {
	return c.Cluster(BuildIndex(records))
}

// Reconcile clusters incoming records together with the existing set and
// classifies each incoming record as new, update or match.
func (c *Clusterer) Reconcile(incoming, existing []Resource) ReconcileResult {
	combined := make([]Resource, 0, len(incoming)+len(existing))
	combined = append(combined, existing...)
	combined = append(combined, incoming...)
	index := BuildIndex(combined)

	existingKeys := make(map[string]bool, len(existing))
	for _, r := range existing {
		existingKeys[r.Ref()] = true
	}

	res := c.Cluster(index)

	clusters := make(map[string][]string)
	for key, canon := range res.Matrix {
		clusters[canon] = append(clusters[canon], key)
	}

	result := ReconcileResult{Merges: res.Merges}
	for _, rec := range incoming {
		result.Classifications = append(result.Classifications,
			c.classify(rec, existingKeys, res, clusters, index))
	}
	return result
}

func (c *Clusterer) classify(rec Resource, existingKeys map[string]bool, res ClusterResult, clusters map[string][]string, index *RecordIndex) Classification {
	key := rec.Ref()

	if canon := res.Matrix[key]; canon != "" {
		var target Resource
		if existingKeys[canon] {
			target = index.Resolve(canon)
		} else {
			for _, member := range clusters[canon] {
				if existingKeys[member] {
					target = index.Resolve(member)
					break
				}
			}
		}
		if target == nil {
			// Cluster of incoming records only. The canonical member is
			// the new record; the rest are its exact duplicates.
			if canon == key {
				return Classification{Outcome: OutcomeNew, Record: rec}
			}
			target = index.Resolve(canon)
		}
		return Classification{
			Outcome: OutcomeMatch,
			Record:  rec,
			Target:  target,
			Score:   100,
		}
	}

	// Update pairs carry the incoming record on either side, depending on
	// which record the pairwise scan visited first. A head whose candidate
	// is itself incoming matched nothing stored, so it stays new.
	for _, u := range res.Updates {
		if u.Record.Ref() == key && existingKeys[u.Target.Ref()] {
			return Classification{
				Outcome: OutcomeUpdate,
				Record:  rec,
				Target:  u.Target,
				Score:   u.Score,
				Changes: u.Changes,
			}
		}
		if u.Target.Ref() == key {
			return Classification{
				Outcome: OutcomeUpdate,
				Record:  rec,
				Target:  u.Record,
				Score:   u.Score,
				Changes: u.Changes,
			}
		}
	}
	return Classification{Outcome: OutcomeNew, Record: rec}
}
