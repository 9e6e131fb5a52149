package domain

// Difficulty indexes recognized by the friend-versus score pages.
// Basic through Re:Master, in page order.
const (
	DifficultyBasic    = 0
	DifficultyAdvanced = 1
	DifficultyExpert   = 2
	DifficultyMaster   = 3
	DifficultyReMaster = 4
)

// Difficulties lists every difficulty index fetched for a score update.
var Difficulties = []int{
	DifficultyBasic,
	DifficultyAdvanced,
	DifficultyExpert,
	DifficultyMaster,
	DifficultyReMaster,
}

// TotalDifficulties is the denominator of score progress tracking.
const TotalDifficulties = 5

// ScoreKind selects which metric a friend-versus page reports.
type ScoreKind int

const (
	// KindAchievement is the ranking-score (achievement percentage) view.
	KindAchievement ScoreKind = 1
	// KindDXScore is the detailed deluxe-score view.
	KindDXScore ScoreKind = 2
)

// ScoreKinds lists both metric views fetched per difficulty.
var ScoreKinds = []ScoreKind{KindAchievement, KindDXScore}

// String returns the kind as its query-parameter value.
func (k ScoreKind) String() string {
	switch k {
	case KindAchievement:
		return "achievement"
	case KindDXScore:
		return "dxscore"
	default:
		return "unknown"
	}
}

// ChartType distinguishes standard from deluxe charts of the same song.
type ChartType string

const (
	// ChartStandard is a standard chart.
	ChartStandard ChartType = "std"
	// ChartDeluxe is a deluxe chart.
	ChartDeluxe ChartType = "dx"
)

// ScoreEntry is the leaf of the aggregated result: one chart at one difficulty.
type ScoreEntry struct {
	Level   string `json:"level"`
	DXScore string `json:"dxScore,omitempty"`
	Score   string `json:"score,omitempty"`
	FS      string `json:"fs,omitempty"`
	FC      string `json:"fc,omitempty"`
}

// ScoreResult is the aggregated score shape:
// category -> chart type -> song title -> difficulty index -> entry.
// It is built incrementally by the aggregator and immutable once the
// owning job completes.
type ScoreResult map[string]map[ChartType]map[string]map[int]*ScoreEntry

// Entry returns the entry at the given coordinates, creating intermediate
// maps as needed.
func (r ScoreResult) Entry(category string, chart ChartType, title string, diff int) *ScoreEntry {
	byChart, ok := r[category]
	if !ok {
		byChart = make(map[ChartType]map[string]map[int]*ScoreEntry)
		r[category] = byChart
	}
	bySong, ok := byChart[chart]
	if !ok {
		bySong = make(map[string]map[int]*ScoreEntry)
		byChart[chart] = bySong
	}
	byDiff, ok := bySong[title]
	if !ok {
		byDiff = make(map[int]*ScoreEntry)
		bySong[title] = byDiff
	}
	entry, ok := byDiff[diff]
	if !ok {
		entry = &ScoreEntry{}
		byDiff[diff] = entry
	}
	return entry
}
