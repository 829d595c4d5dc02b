package models

import (
	"slices"
	"strings"
)

// DownloadTag prefixes catalog names that must be materialized before loading.
const DownloadTag = "⬇️ "

// SmallModelCapacityGB is the capacity below which only small models are offered.
const SmallModelCapacityGB = 6.0

// CatalogEntry is a downloadable model artifact.
type CatalogEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// DefaultCatalog returns the built-in list of downloadable GGUF models.
func DefaultCatalog() []CatalogEntry {
	return []CatalogEntry{
		{
			Name: "Llama-3.2-1B-Instruct-Q4_K_M.gguf",
			URL:  "https://huggingface.co/bartowski/Llama-3.2-1B-Instruct-GGUF/resolve/main/Llama-3.2-1B-Instruct-Q4_K_M.gguf",
		},
		{
			Name: "Llama-3.2-3B-Instruct-Q4_K_M.gguf",
			URL:  "https://huggingface.co/bartowski/Llama-3.2-3B-Instruct-GGUF/resolve/main/Llama-3.2-3B-Instruct-Q4_K_M.gguf",
		},
		{
			Name: "mistral-7b-instruct-v0.2.Q4_K_M.gguf",
			URL:  "https://huggingface.co/TheBloke/Mistral-7B-Instruct-v0.2-GGUF/resolve/main/mistral-7b-instruct-v0.2.Q4_K_M.gguf",
		},
		{
			Name: "openhermes-2.5-mistral-7b.Q4_K_M.gguf",
			URL:  "https://huggingface.co/TheBloke/OpenHermes-2.5-Mistral-7B-GGUF/resolve/main/openhermes-2.5-mistral-7b.Q4_K_M.gguf",
		},
		{
			Name: "gemma-7b-it.Q4_K_M.gguf",
			URL:  "https://huggingface.co/TheBloke/Gemma-7b-it-GGUF/resolve/main/gemma-7b-it.Q4_K_M.gguf",
		},
		{
			Name: "Phi-3-mini-4k-instruct.Q4_K_M.gguf",
			URL:  "https://huggingface.co/TheBloke/Phi-3-mini-4k-instruct-GGUF/resolve/main/Phi-3-mini-4k-instruct.Q4_K_M.gguf",
		},
		{
			Name: "Llama-3-8B-Instruct.Q4_K_M.gguf",
			URL:  "https://huggingface.co/MaziyarPanahi/Llama-3-8B-Instruct-GGUF/resolve/main/Llama-3-8B-Instruct.Q4_K_M.gguf",
		},
	}
}

func lookupCatalog(catalog []CatalogEntry, name string) (CatalogEntry, bool) {
	i := slices.IndexFunc(catalog, func(e CatalogEntry) bool { return e.Name == name })
	if i < 0 {
		return CatalogEntry{}, false
	}
	return catalog[i], true
}

// Candidate is a catalog entry offered for download.
type Candidate struct {
	CatalogEntry
}

// Label renders the candidate with the download tag.
func (c Candidate) Label() string { return Tag(c.Name) }

// Tag marks name as downloadable.
func Tag(name string) string { return DownloadTag + name }

// ParseTagged strips the download tag. The boolean reports whether it was present.
func ParseTagged(s string) (string, bool) {
	if !strings.HasPrefix(s, strings.TrimSpace(DownloadTag)) {
		return s, false
	}
	return strings.TrimSpace(strings.TrimPrefix(s, strings.TrimSpace(DownloadTag))), true
}

// IsSmall reports whether name belongs to the small size class.
func IsSmall(name string) bool {
	return strings.Contains(name, "1B") || strings.Contains(name, "3B") || strings.Contains(name, "Phi-3")
}

// Recommend filters catalog down to entries that are not installed and fit
// capacityGB. Below SmallModelCapacityGB only small models qualify.
func Recommend(catalog []CatalogEntry, installed []string, capacityGB float64) []Candidate {
	var out []Candidate
	for _, e := range catalog {
		if slices.Contains(installed, e.Name) {
			continue
		}
		if capacityGB < SmallModelCapacityGB && !IsSmall(e.Name) {
			continue
		}
		out = append(out, Candidate{CatalogEntry: e})
	}
	return out
}
