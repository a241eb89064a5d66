package rebuild

import (
	"path"
	"strings"
)

const textSuffix = "_all_words.txt"

// Paths derives artifact object names from source object names. Names depend only
// on the source key and the job ID, so reprocessing a job targets the same objects.
type Paths struct {
	SourcePrefix    string
	TargetPrefix    string
	TextPrefix      string
	ProcessedPrefix string
}

// Ext returns the lower-cased extension of key without the dot.
func Ext(key string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(key), "."))
}

func (p Paths) relative(key string) string {
	rel := strings.TrimPrefix(key, p.SourcePrefix)
	return strings.TrimSuffix(rel, path.Ext(rel))
}

// FilteredKey is where the page-subset document for sourceKey is written.
func (p Paths) FilteredKey(sourceKey, jobID string) string {
	return p.TargetPrefix + p.relative(sourceKey) + "_" + jobID + "." + Ext(sourceKey)
}

// TextKey is where the matched lines for sourceKey are written.
func (p Paths) TextKey(sourceKey, jobID string) string {
	return p.TextPrefix + p.relative(sourceKey) + "_" + jobID + textSuffix
}

// TextKeyForFiltered maps a filtered document back to its sibling text file.
func (p Paths) TextKeyForFiltered(filteredKey string) string {
	rel := strings.TrimPrefix(filteredKey, p.TargetPrefix)
	return p.TextPrefix + strings.TrimSuffix(rel, path.Ext(rel)) + textSuffix
}

// ProcessedKey is where a handled source object is relocated to.
func (p Paths) ProcessedKey(sourceKey string) string {
	return p.ProcessedPrefix + strings.TrimPrefix(sourceKey, p.SourcePrefix)
}

// JobIDFromFiltered recovers the job ID embedded in a filtered document name.
func JobIDFromFiltered(filteredKey string) string {
	base := path.Base(filteredKey)
	base = strings.TrimSuffix(base, path.Ext(base))
	i := strings.LastIndex(base, "_")
	if i < 0 {
		return ""
	}
	return base[i+1:]
}
