package creator

import(
	"fmt"
	"image"
	"log"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/abworrall/deghost-hdr/pkg/fusion"
	"github.com/abworrall/deghost-hdr/pkg/ghost"
)

// The aligners a Config can ask for
const(
	AlignNone     = ""
	AlignMTB      = "mtb"
	AlignExternal = "ais"
)

type Config struct {
	Verbosity        int
	Workers          int       // 0 means one per CPU
	BitDepth         int       // 0 means take it from the loaded files

	Fusion           fusion.Config

	GridSize         int       // side of the ghost patch grid
	Threshold        float64   // ghost if the patch differs by more than this many std-devs
	WhiteBalanceNorm float64
	Epsilon          float64
	DumpGrids        bool      // write PNGs of the solver's intermediate grids
	DumpDir          string

	Aligner          string
	AlignCommand     string
	AlignCrop        bool

	DebugPixels    []image.Point
}

func NewConfig() Config {
	return Config{
		Fusion:           fusion.DefaultConfig(),
		GridSize:         ghost.DefaultGridSize,
		Threshold:        1.0,
		WhiteBalanceNorm: 1.0,
		AlignCommand:     "align_image_stack",
		DebugPixels:      []image.Point{},
	}
}

func newConfigFromYaml(b []byte) (Config, error) {
	c := NewConfig()
	err := yaml.Unmarshal(b, &c)
	return c, err
}

func LoadConfig(filename string) (Config, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("config read %s: %w", filename, err)
	}

	c, err := newConfigFromYaml(contents)
	if err != nil {
		return Config{}, fmt.Errorf("config parse %s: %w", filename, err)
	}
	return c, nil
}

func (c Config)AsYaml() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		log.Fatalf("Can't marshal config yaml: %v\n", err)
	}
	return string(b)
}

func (c Config)SaveConfig(filename string) error {
	if err := os.WriteFile(filename, []byte(c.AsYaml()), 0644); err != nil {
		return fmt.Errorf("config write %s: %w", filename, err)
	}
	return nil
}
