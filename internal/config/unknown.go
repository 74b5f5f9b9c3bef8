package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each section.
var knownKeys = map[string][]string{
	"account": {"base_url", "login_url", "token_file", "passport"},
	"upload": {
		"default_folder_id", "duplicate", "platform", "spool_memory_limit", "temp_dir",
		"batch_size", "bandwidth_limit", "api_qps", "async_workers",
	},
	"network": {"connect_timeout", "data_timeout", "user_agent"},
	"logging": {"log_level", "log_format"},
	"s3":      {"endpoint", "region", "access_key", "secret_key", "use_ssl"},
	"ledger":  {"path", "enabled"},
}

// knownSections is the sorted list of section names for suggestions.
var knownSections = func() []string {
	names := make([]string, 0, len(knownKeys))
	for name := range knownKeys {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		parts := strings.SplitN(key.String(), ".", 3)

		// Report an unknown section once, not once per key inside it.
		if _, ok := knownKeys[parts[0]]; !ok {
			if !seen[parts[0]] {
				seen[parts[0]] = true
				errs = append(errs, unknownKeyError("section", parts[0], knownSections))
			}

			continue
		}

		if len(parts) < 2 {
			continue
		}

		errs = append(errs, unknownKeyError("config key", parts[0]+"."+parts[1], qualified(parts[0])))
	}

	return errors.Join(errs...)
}

func qualified(section string) []string {
	keys := knownKeys[section]
	out := make([]string, len(keys))

	for i, k := range keys {
		out[i] = section + "." + k
	}

	sort.Strings(out)

	return out
}

func unknownKeyError(kind, name string, known []string) error {
	if suggestion := closestMatch(name, known); suggestion != "" {
		return fmt.Errorf("unknown %s %q, did you mean %q?", kind, name, suggestion)
	}

	return fmt.Errorf("unknown %s %q", kind, name)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
