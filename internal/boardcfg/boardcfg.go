// Package boardcfg loads the board/topology description that parameterizes
// a kernel build: which SoC family it targets, how much RAM and how many
// cores it should assume, and where the peripheral windows sit.
package boardcfg

import (
	"fmt"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Board names the hardware family. The core itself is board-agnostic; this
// only selects constants consumed by the (out-of-scope) collaborator
// drivers and by the simulation harness.
type Board string

const (
	BoardRaspberryPi Board = "rpi"
	BoardKhadas      Board = "khadas"
)

// Config is the YAML-decoded machine description.
type Config struct {
	Board Board `yaml:"board"`

	// Cores is the number of cores the SMP bootstrap (C14) should expect.
	// The architecture caps this at four fixed parking spots.
	Cores int `yaml:"cores"`

	// RAMBytes is the size of the identity-mapped physical region the
	// kernel page table (C3) covers.
	RAMBytes uint64 `yaml:"ram_bytes"`

	// IOBase/IOSize describe the peripheral MMIO window mapped with device
	// attributes by KernPageTable.
	IOBase uint64 `yaml:"io_base"`
	IOSize uint64 `yaml:"io_size"`

	// KernelAPIVersion is stamped into checkpoint bundles (§7 Persisted
	// state) so FromBundle can refuse a bundle produced by an incompatible
	// build.
	KernelAPIVersion string `yaml:"kernel_api_version"`
}

const maxCores = 4

// Default returns the Raspberry Pi 3B+-shaped configuration the reference
// boot path assumes when no board file is supplied.
func Default() Config {
	return Config{
		Board:            BoardRaspberryPi,
		Cores:            4,
		RAMBytes:         1 << 30, // 1 GiB
		IOBase:           0x3F000000,
		IOSize:           0x01000000,
		KernelAPIVersion: "v1.0.0",
	}
}

// Load reads and validates a board configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("boardcfg: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("boardcfg: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("boardcfg: %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the invariants the rest of the core relies on without
// re-checking: core count within the fixed parking-spot table, and a
// well-formed semantic version for the checkpoint compatibility check.
func (c Config) Validate() error {
	switch c.Board {
	case BoardRaspberryPi, BoardKhadas:
	default:
		return fmt.Errorf("unknown board %q", c.Board)
	}

	if c.Cores < 1 || c.Cores > maxCores {
		return fmt.Errorf("cores %d out of range [1,%d]", c.Cores, maxCores)
	}

	if c.RAMBytes == 0 {
		return fmt.Errorf("ram_bytes must be non-zero")
	}

	if c.IOSize == 0 {
		return fmt.Errorf("io_size must be non-zero")
	}

	if !semver.IsValid(c.KernelAPIVersion) {
		return fmt.Errorf("kernel_api_version %q is not a valid semantic version", c.KernelAPIVersion)
	}

	return nil
}

// CompatibleWithBundle reports whether a checkpoint bundle stamped with
// bundleVersion can be restored under this configuration: the bundle's
// major version must match exactly, and its minor/patch must not exceed
// this build's (an older bundle can always be loaded; a newer one may use
// fields this build doesn't understand).
func (c Config) CompatibleWithBundle(bundleVersion string) bool {
	if !semver.IsValid(bundleVersion) {
		return false
	}
	if semver.Major(bundleVersion) != semver.Major(c.KernelAPIVersion) {
		return false
	}
	return semver.Compare(bundleVersion, c.KernelAPIVersion) <= 0
}
