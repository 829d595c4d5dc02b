// Package platform detects the compute device available for local inference.
// Its capacity figure drives which downloadable models are recommended.
package platform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Device is the accelerator inference will run on.
type Device string

const (
	DeviceCUDA  Device = "cuda"  // NVIDIA GPU
	DeviceMetal Device = "metal" // Apple Silicon unified memory
	DeviceCPU   Device = "cpu"
)

const gib = 1024 * 1024 * 1024

// DeviceInfo contains detection results.
type DeviceInfo struct {
	Device Device `json:"device"`
	Name   string `json:"name"`
	OS     string `json:"os"`
	Arch   string `json:"arch"`

	// VRAMGB is dedicated GPU memory; zero without a discrete GPU.
	VRAMGB float64 `json:"vram_gb"`

	TotalRAMGB float64 `json:"total_ram_gb"`
	MaxModelGB float64 `json:"max_model_gb"`

	DetectedAt time.Time `json:"detected_at"`
}

// String returns a human-readable description of the device.
func (d *DeviceInfo) String() string {
	switch d.Device {
	case DeviceCUDA:
		return fmt.Sprintf("%s (%.1f GB VRAM)", d.Name, d.VRAMGB)
	case DeviceMetal:
		return fmt.Sprintf("%s (%.1f GB unified)", d.Name, d.TotalRAMGB)
	default:
		return fmt.Sprintf("CPU %s/%s (%.1f GB RAM)", d.OS, d.Arch, d.TotalRAMGB)
	}
}

// CapacityGB is the memory budget offered to model recommendations.
// Discrete GPUs report VRAM; Apple Silicon reports the share of unified
// memory a model may use; CPU-only hosts report zero.
func (d *DeviceInfo) CapacityGB() float64 {
	switch d.Device {
	case DeviceCUDA:
		return d.VRAMGB
	case DeviceMetal:
		return d.MaxModelGB
	default:
		return 0
	}
}

// Detector provides cached device detection.
type Detector struct {
	mu       sync.RWMutex
	cached   *DeviceInfo
	cacheTTL time.Duration
}

// NewDetector creates a new detector with a 10-minute cache.
func NewDetector() *Detector {
	return &Detector{cacheTTL: 10 * time.Minute}
}

// Detect performs detection, using the cache if it is fresh.
func (d *Detector) Detect(ctx context.Context) *DeviceInfo {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.DetectedAt) < d.cacheTTL {
		cached := d.cached
		d.mu.RUnlock()
		log.Debug().Str("device", string(cached.Device)).Msg("using cached device info")
		return cached
	}
	d.mu.RUnlock()

	info := DetectDevice(ctx)

	d.mu.Lock()
	d.cached = info
	d.mu.Unlock()

	return info
}

// InvalidateCache clears the cached device info.
func (d *Detector) InvalidateCache() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// DetectDevice performs a fresh detection. It never fails; missing tools
// degrade to a CPU description.
func DetectDevice(ctx context.Context) *DeviceInfo {
	info := &DeviceInfo{
		Device:     DeviceCPU,
		Name:       "CPU",
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		DetectedAt: time.Now(),
	}

	if ramBytes, err := GetSystemRAM(ctx); err == nil {
		info.TotalRAMGB = float64(ramBytes) / gib
		info.MaxModelGB = GetMaxModelSizeGB(ramBytes)
	} else {
		log.Debug().Err(err).Msg("failed to detect system RAM, using safe defaults")
		info.TotalRAMGB = 8.0
		info.MaxModelGB = 5.0
	}

	switch {
	case runtime.GOOS == "darwin" && runtime.GOARCH == "arm64":
		info.Device = DeviceMetal
		info.Name = appleChipName(ctx)
	default:
		if name, vram, ok := queryNVIDIA(ctx); ok {
			info.Device = DeviceCUDA
			info.Name = name
			info.VRAMGB = vram
		}
	}

	log.Info().
		Str("device", string(info.Device)).
		Str("name", info.Name).
		Float64("vram_gb", info.VRAMGB).
		Float64("ram_gb", info.TotalRAMGB).
		Msg("device detected")

	return info
}

// queryNVIDIA asks nvidia-smi for the first GPU's name and memory.
func queryNVIDIA(ctx context.Context) (string, float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader,nounits")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		log.Debug().Err(err).Msg("nvidia-smi unavailable")
		return "", 0, false
	}
	return parseNvidiaSMI(stdout.String())
}

// parseNvidiaSMI parses "name, MiB" lines; only the first GPU counts.
func parseNvidiaSMI(out string) (string, float64, bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	name, mem, found := strings.Cut(line, ",")
	if !found {
		return "", 0, false
	}
	mib, err := strconv.ParseFloat(strings.TrimSpace(mem), 64)
	if err != nil {
		return "", 0, false
	}
	// GiB, rounded to two decimals.
	gb := float64(int(mib/1024*100+0.5)) / 100
	return strings.TrimSpace(name), gb, true
}

// appleChipName returns the Apple Silicon chip name (e.g., "Apple M1 Pro").
func appleChipName(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sysctl", "-n", "machdep.cpu.brand_string")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		log.Debug().Err(err).Msg("failed to get chip name")
		return "Apple Silicon"
	}
	if name := strings.TrimSpace(stdout.String()); name != "" {
		return name
	}
	return "Apple Silicon"
}

// GetSystemRAM returns the total system RAM in bytes.
func GetSystemRAM(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	switch runtime.GOOS {
	case "darwin":
		cmd := exec.CommandContext(ctx, "sysctl", "-n", "hw.memsize")
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			return 0, fmt.Errorf("sysctl hw.memsize: %w", err)
		}
		memBytes, err := strconv.ParseInt(strings.TrimSpace(stdout.String()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse memsize: %w", err)
		}
		return memBytes, nil

	case "linux":
		data, err := os.ReadFile("/proc/meminfo")
		if err != nil {
			return 0, fmt.Errorf("read meminfo: %w", err)
		}
		return parseMemInfo(string(data))

	default:
		return 0, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

func parseMemInfo(data string) (int64, error) {
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			var kbytes int64
			if _, err := fmt.Sscanf(line, "MemTotal: %d kB", &kbytes); err != nil {
				return 0, fmt.Errorf("parse meminfo: %w", err)
			}
			return kbytes * 1024, nil
		}
	}
	return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
}

// GetMaxModelSizeGB returns the maximum recommended model size based on system RAM.
// Rule: a model should use < 70% of RAM to leave room for the OS.
func GetMaxModelSizeGB(totalRAMBytes int64) float64 {
	return float64(totalRAMBytes) / gib * 0.70
}
