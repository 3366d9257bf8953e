package ecology

// Species is the immutable parameter bundle shared by every DNA of a plant
// kind. Stored in the settings table; admin species files use the same
// field names in YAML.
type Species struct {
	ID     int64  `json:"id" yaml:"-"`
	Prefab string `json:"prefab" yaml:"prefab"`

	GrowthLimit    float64 `json:"growth_limit" yaml:"growth_limit"`
	LifeExpectancy float64 `json:"life_expectancy" yaml:"life_expectancy"`

	WifiSensitivity  float64 `json:"wifi_sensitivity" yaml:"wifi_sensitivity"`
	LightSensitivity float64 `json:"light_sensitivity" yaml:"light_sensitivity"`
	SoundSensitivity float64 `json:"sound_sensitivity" yaml:"sound_sensitivity"`

	NeighborTolerance float64 `json:"neighbor_tolerance" yaml:"neighbor_tolerance"`
	BirthProba        float64 `json:"birth_proba" yaml:"birth_proba"`
	BloomProba        float64 `json:"bloom_proba" yaml:"bloom_proba"`
	MatingFreq        float64 `json:"mating_freq" yaml:"mating_freq"`
	MatingDuration    float64 `json:"mating_duration" yaml:"mating_duration"`
	FruitDuration     float64 `json:"fruit_duration" yaml:"fruit_duration"`
	MatingDistance    float64 `json:"mating_distance" yaml:"mating_distance"`
	CrowdDistance     float64 `json:"crowd_distance" yaml:"crowd_distance"`
}
