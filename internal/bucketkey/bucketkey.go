// Package bucketkey encodes aggregation parameters into result column
// aliases and bucket keys, and decodes them when results are mapped back.
// Every format here is shared by the query generator and the response
// mapper; nothing else should build or split these strings.
package bucketkey

import (
	"strconv"
	"strings"
)

const (
	sep            = "%"
	rangeSep       = "_"
	percentileSep  = "_"
	kindPercentile = "percentile"
	kindStats      = "extended_stats"
	kindTopHits    = "top_hits"
)

// Range is a range bucket. An empty bound is open.
type Range struct {
	From string
	To   string
}

// Key renders "<from>_<to>".
func (r Range) Key() string {
	return r.From + rangeSep + r.To
}

// ParseRange splits a range key on its first separator.
func ParseRange(key string) (Range, bool) {
	from, to, ok := strings.Cut(key, rangeSep)
	if !ok {
		return Range{}, false
	}
	return Range{From: from, To: to}, true
}

// Percentiles describes a percentiles aggregation column.
type Percentiles struct {
	Name     string
	Percents []float64
	Keyed    bool
}

// Alias renders "<name>%percentile%<p1>_<p2>...%<keyed>".
func (p Percentiles) Alias() string {
	parts := make([]string, len(p.Percents))
	for i, v := range p.Percents {
		parts[i] = FormatPercent(v)
	}
	return strings.Join([]string{p.Name, kindPercentile, strings.Join(parts, percentileSep), strconv.FormatBool(p.Keyed)}, sep)
}

// ParsePercentiles decodes a percentiles alias.
func ParsePercentiles(alias string) (Percentiles, bool) {
	name, rest, ok := cutKind(alias, kindPercentile)
	if !ok {
		return Percentiles{}, false
	}
	list, keyedText, ok := strings.Cut(rest, sep)
	if !ok {
		return Percentiles{}, false
	}
	keyed, err := strconv.ParseBool(keyedText)
	if err != nil {
		return Percentiles{}, false
	}
	p := Percentiles{Name: name, Keyed: keyed}
	if list == "" {
		return p, true
	}
	for _, s := range strings.Split(list, percentileSep) {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Percentiles{}, false
		}
		p.Percents = append(p.Percents, v)
	}
	return p, true
}

// FormatPercent renders a percent the way KQL accepts it as an argument.
func FormatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ResponseKey renders a percent as Elasticsearch keys it: "50.0", "99.9".
func ResponseKey(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// ExtendedStat is one statistic column of an extended_stats aggregation.
type ExtendedStat struct {
	Name  string
	Sigma float64
	Stat  string
}

// Alias renders "<name>%extended_stats%<sigma>%<stat>".
func (e ExtendedStat) Alias() string {
	return strings.Join([]string{e.Name, kindStats, FormatPercent(e.Sigma), e.Stat}, sep)
}

func ParseExtendedStat(alias string) (ExtendedStat, bool) {
	name, rest, ok := cutKind(alias, kindStats)
	if !ok {
		return ExtendedStat{}, false
	}
	sigmaText, stat, ok := strings.Cut(rest, sep)
	if !ok || stat == "" {
		return ExtendedStat{}, false
	}
	sigma, err := strconv.ParseFloat(sigmaText, 64)
	if err != nil {
		return ExtendedStat{}, false
	}
	return ExtendedStat{Name: name, Sigma: sigma, Stat: stat}, true
}

// TopHitsAlias renders "<name>%top_hits".
func TopHitsAlias(name string) string {
	return name + sep + kindTopHits
}

func ParseTopHits(alias string) (string, bool) {
	return strings.CutSuffix(alias, sep+kindTopHits)
}

// cutKind splits "<name>%<kind>%<rest>". The name may itself hold the
// separator, so the kind marker is searched from the right.
func cutKind(alias, kind string) (name, rest string, ok bool) {
	marker := sep + kind + sep
	i := strings.LastIndex(alias, marker)
	if i < 0 {
		return "", "", false
	}
	return alias[:i], alias[i+len(marker):], true
}

// PathColumn tags the rows of a multi-level aggregation table with the path
// of the bucket aggregation that produced them. Root metrics use RootPath.
const PathColumn = "_agg"

const RootPath = ""

const pathSep = ">"

// Path appends an aggregation name to the path of its parent bucket.
func Path(parent, name string) string {
	if parent == RootPath {
		return name
	}
	return parent + pathSep + name
}
