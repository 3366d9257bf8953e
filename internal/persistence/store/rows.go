package store

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"soundlines.art/internal/sim/ecology"
)

// sqliteTime is fixed width so text comparisons order correctly.
const sqliteTime = "2006-01-02 15:04:05.000000000"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

// timeValue scans timestamps from either backend.
type timeValue struct {
	time.Time
}

func (t *timeValue) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = x
	case int64:
		t.Time = time.UnixMicro(x).UTC()
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	default:
		return fmt.Errorf("store: cannot scan %T into time", v)
	}
	return nil
}

func (t *timeValue) parse(s string) error {
	for _, layout := range []string{sqliteTime, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if p, err := time.Parse(layout, s); err == nil {
			t.Time = p
			return nil
		}
	}
	return fmt.Errorf("store: bad time %q", s)
}

type speciesRow struct {
	ID                int64   `db:"id"`
	Prefab            string  `db:"prefab"`
	GrowthLimit       float64 `db:"growth_limit"`
	LifeExpectancy    float64 `db:"life_expectancy"`
	WifiSensitivity   float64 `db:"wifi_sensitivity"`
	LightSensitivity  float64 `db:"light_sensitivity"`
	SoundSensitivity  float64 `db:"sound_sensitivity"`
	NeighborTolerance float64 `db:"neighbor_tolerance"`
	BirthProba        float64 `db:"birth_proba"`
	BloomProba        float64 `db:"bloom_proba"`
	MatingFreq        float64 `db:"mating_freq"`
	MatingDuration    float64 `db:"mating_duration"`
	FruitDuration     float64 `db:"fruit_duration"`
	MatingDistance    float64 `db:"mating_distance"`
	CrowdDistance     float64 `db:"crowd_distance"`
}

const speciesColumns = `id, prefab, growth_limit, life_expectancy, wifi_sensitivity, light_sensitivity,
	sound_sensitivity, neighbor_tolerance, birth_proba, bloom_proba, mating_freq, mating_duration,
	fruit_duration, mating_distance, crowd_distance`

func (r speciesRow) species() ecology.Species {
	return ecology.Species{
		ID: r.ID, Prefab: r.Prefab,
		GrowthLimit: r.GrowthLimit, LifeExpectancy: r.LifeExpectancy,
		WifiSensitivity: r.WifiSensitivity, LightSensitivity: r.LightSensitivity, SoundSensitivity: r.SoundSensitivity,
		NeighborTolerance: r.NeighborTolerance, BirthProba: r.BirthProba, BloomProba: r.BloomProba,
		MatingFreq: r.MatingFreq, MatingDuration: r.MatingDuration, FruitDuration: r.FruitDuration,
		MatingDistance: r.MatingDistance, CrowdDistance: r.CrowdDistance,
	}
}

func speciesArgs(sp ecology.Species) []any {
	return []any{
		sp.Prefab, sp.GrowthLimit, sp.LifeExpectancy, sp.WifiSensitivity, sp.LightSensitivity,
		sp.SoundSensitivity, sp.NeighborTolerance, sp.BirthProba, sp.BloomProba, sp.MatingFreq,
		sp.MatingDuration, sp.FruitDuration, sp.MatingDistance, sp.CrowdDistance,
	}
}

type cellRow struct {
	ID         int64   `db:"id"`
	Geom       []byte  `db:"geom"`
	Wifi       float64 `db:"wifi"`
	WifiTotal  float64 `db:"wifi_total"`
	WifiCount  float64 `db:"wifi_count"`
	Light      float64 `db:"light"`
	LightTotal float64 `db:"light_total"`
	LightCount float64 `db:"light_count"`
	Sound      float64 `db:"sound"`
	SoundTotal float64 `db:"sound_total"`
	SoundCount float64 `db:"sound_count"`
	SNS        int64   `db:"sns"`
	Visit      int64   `db:"visit"`
}

// cellColumns takes the expression selecting the WKB geometry.
const cellColumns = `id, %s AS geom, wifi, wifi_total, wifi_count, light, light_total, light_count,
	sound, sound_total, sound_count, sns, visit`

func (r cellRow) cell() (ecology.Cell, error) {
	g, err := wkb.Unmarshal(r.Geom)
	if err != nil {
		return ecology.Cell{}, fmt.Errorf("cell %d geometry: %w", r.ID, err)
	}
	poly, ok := g.(orb.Polygon)
	if !ok {
		return ecology.Cell{}, fmt.Errorf("cell %d geometry is %s, want Polygon", r.ID, g.GeoJSONType())
	}
	return ecology.Cell{
		ID: r.ID, Geom: poly,
		Wifi: r.Wifi, WifiTotal: r.WifiTotal, WifiCount: r.WifiCount,
		Light: r.Light, LightTotal: r.LightTotal, LightCount: r.LightCount,
		Sound: r.Sound, SoundTotal: r.SoundTotal, SoundCount: r.SoundCount,
		SNS: r.SNS, Visit: r.Visit,
	}, nil
}

func cellsFromRows(rows []cellRow) ([]ecology.Cell, error) {
	out := make([]ecology.Cell, 0, len(rows))
	for _, r := range rows {
		c, err := r.cell()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type dnaCols struct {
	DNASize           float64 `db:"dna_size"`
	DNAFitness        float64 `db:"dna_fitness"`
	DNALifeExpectancy float64 `db:"dna_life_expectancy"`
	DNAGrowthRate     float64 `db:"dna_growth_rate"`
	DNAAgingRate      float64 `db:"dna_aging_rate"`
	DNAMutationRate   float64 `db:"dna_mutation_rate"`
	DNAStressRate     float64 `db:"dna_stress_rate"`
	DNAHealthyRate    float64 `db:"dna_healthy_rate"`
}

const dnaJoinColumns = `d.size AS dna_size, d.fitness AS dna_fitness, d.life_expectancy AS dna_life_expectancy,
	d.growth_rate AS dna_growth_rate, d.aging_rate AS dna_aging_rate, d.mutation_rate AS dna_mutation_rate,
	d.stress_rate AS dna_stress_rate, d.healthy_rate AS dna_healthy_rate`

func (d dnaCols) dna(id, speciesID int64) ecology.DNA {
	return ecology.DNA{
		ID: id, SpeciesID: speciesID,
		Size: d.DNASize, Fitness: d.DNAFitness, LifeExpectancy: d.DNALifeExpectancy,
		GrowthRate: d.DNAGrowthRate, AgingRate: d.DNAAgingRate, MutationRate: d.DNAMutationRate,
		StressRate: d.DNAStressRate, HealthyRate: d.DNAHealthyRate,
	}
}

func dnaArgs(d ecology.DNA, speciesID int64) []any {
	return []any{
		speciesID, d.Size, d.Fitness, d.LifeExpectancy, d.GrowthRate,
		d.AgingRate, d.MutationRate, d.StressRate, d.HealthyRate,
	}
}

// entityRow flattens an entity joined with its DNA. It does not embed
// dnaCols so the pgx struct mapper sees flat fields.
type entityRow struct {
	ID                int64   `db:"id"`
	Lon               float64 `db:"lon"`
	Lat               float64 `db:"lat"`
	Prefab            string  `db:"prefab"`
	CellID            int64   `db:"cell_id"`
	SettingID         int64   `db:"setting_id"`
	DNAID             int64   `db:"dna_id"`
	Fitness           float64 `db:"fitness"`
	Age               float64 `db:"age"`
	Size              float64 `db:"size"`
	LifeExpectancy    float64 `db:"life_expectancy"`
	Nickname          string  `db:"nickname"`
	StartMatingAt     float64 `db:"start_mating_at"`
	LastSeedAt        float64 `db:"last_seed_at"`
	DNASize           float64 `db:"dna_size"`
	DNAFitness        float64 `db:"dna_fitness"`
	DNALifeExpectancy float64 `db:"dna_life_expectancy"`
	DNAGrowthRate     float64 `db:"dna_growth_rate"`
	DNAAgingRate      float64 `db:"dna_aging_rate"`
	DNAMutationRate   float64 `db:"dna_mutation_rate"`
	DNAStressRate     float64 `db:"dna_stress_rate"`
	DNAHealthyRate    float64 `db:"dna_healthy_rate"`
}

// entitySelect takes the lon and lat expressions.
const entitySelect = `SELECT e.id, %s AS lon, %s AS lat, e.prefab, e.cell_id, e.setting_id, e.dna_id,
	e.fitness, e.age, e.size, e.life_expectancy, e.nickname, e.start_mating_at, e.last_seed_at,
	` + dnaJoinColumns + `
	FROM entities e JOIN dnas d ON d.id = e.dna_id`

func (r entityRow) entity() ecology.Entity {
	d := dnaCols{r.DNASize, r.DNAFitness, r.DNALifeExpectancy, r.DNAGrowthRate, r.DNAAgingRate, r.DNAMutationRate, r.DNAStressRate, r.DNAHealthyRate}
	return ecology.Entity{
		ID: r.ID, Point: orb.Point{r.Lon, r.Lat}, Prefab: r.Prefab,
		CellID: r.CellID, SpeciesID: r.SettingID, DNA: d.dna(r.DNAID, r.SettingID),
		Fitness: r.Fitness, Age: r.Age, Size: r.Size, LifeExpectancy: r.LifeExpectancy,
		Nickname: r.Nickname, StartMatingAt: r.StartMatingAt, LastSeedAt: r.LastSeedAt,
	}
}

func entitiesFromRows(rows []entityRow) []ecology.Entity {
	out := make([]ecology.Entity, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entity())
	}
	return out
}

type seedRow struct {
	ID                int64     `db:"id"`
	CellID            int64     `db:"cell_id"`
	DNAID             int64     `db:"dna_id"`
	SettingID         int64     `db:"setting_id"`
	Lon               float64   `db:"lon"`
	Lat               float64   `db:"lat"`
	CreatedAt         timeValue `db:"created_at"`
	Age               float64   `db:"age"`
	Prefab            string    `db:"prefab"`
	DNASize           float64   `db:"dna_size"`
	DNAFitness        float64   `db:"dna_fitness"`
	DNALifeExpectancy float64   `db:"dna_life_expectancy"`
	DNAGrowthRate     float64   `db:"dna_growth_rate"`
	DNAAgingRate      float64   `db:"dna_aging_rate"`
	DNAMutationRate   float64   `db:"dna_mutation_rate"`
	DNAStressRate     float64   `db:"dna_stress_rate"`
	DNAHealthyRate    float64   `db:"dna_healthy_rate"`
}

const seedSelect = `SELECT s.id, s.cell_id, s.dna_id, s.setting_id, %s AS lon, %s AS lat, s.created_at, s.age, s.prefab,
	` + dnaJoinColumns + `
	FROM seeds s JOIN dnas d ON d.id = s.dna_id`

func (r seedRow) seed() ecology.Seed {
	d := dnaCols{r.DNASize, r.DNAFitness, r.DNALifeExpectancy, r.DNAGrowthRate, r.DNAAgingRate, r.DNAMutationRate, r.DNAStressRate, r.DNAHealthyRate}
	return ecology.Seed{
		ID: r.ID, CellID: r.CellID, SpeciesID: r.SettingID, DNA: d.dna(r.DNAID, r.SettingID),
		Point: orb.Point{r.Lon, r.Lat}, CreatedAt: r.CreatedAt.Time, Age: r.Age, Prefab: r.Prefab,
	}
}

func seedsFromRows(rows []seedRow) []ecology.Seed {
	out := make([]ecology.Seed, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.seed())
	}
	return out
}

type locationRow struct {
	UserID int64     `db:"user_id"`
	Lon    float64   `db:"lon"`
	Lat    float64   `db:"lat"`
	At     timeValue `db:"created_at"`
}
