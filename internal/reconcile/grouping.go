package reconcile

import (
	"cmp"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// maxCommentLength is the width of the Comments column on SAP marketing documents.
const maxCommentLength = 254

// GroupKey identifies the document a record will be posted to.
type GroupKey struct {
	Prefix    string
	Direction Direction
}

// Group is a set of records sharing warehouse prefix and direction. Groups are
// derived on every pass and never persisted.
type Group struct {
	Key     GroupKey
	Records []Adjustment
}

// WarehousePrefix returns the part of code before the first "-", or the whole
// code when it has none. Blank codes yield "".
func WarehousePrefix(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	prefix, _, _ := strings.Cut(code, "-")
	return prefix
}

// Partition splits records into groups ordered by prefix then direction. Records
// inside a group are ordered by id ascending.
func Partition(records []Adjustment) []Group {
	index := make(map[GroupKey]int)
	var groups []Group
	for _, rec := range records {
		key := GroupKey{Prefix: WarehousePrefix(rec.Warehouse), Direction: rec.Direction}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key})
		}
		groups[i].Records = append(groups[i].Records, rec)
	}
	for i := range groups {
		slices.SortStableFunc(groups[i].Records, func(a, b Adjustment) int {
			return cmp.Compare(a.ID, b.ID)
		})
	}
	slices.SortFunc(groups, func(a, b Group) int {
		if c := cmp.Compare(a.Key.Prefix, b.Key.Prefix); c != 0 {
			return c
		}
		return cmp.Compare(a.Key.Direction, b.Key.Direction)
	})
	return groups
}

// SelectComment returns the first non-blank comment in ascending id order,
// normalized for SAP, or "" when every comment is blank.
func SelectComment(records []Adjustment) string {
	ordered := slices.Clone(records)
	slices.SortStableFunc(ordered, func(a, b Adjustment) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for _, rec := range ordered {
		if strings.TrimSpace(rec.Comment) != "" {
			return normalizeComment(rec.Comment)
		}
	}
	return ""
}

func normalizeComment(comment string) string {
	comment = strings.TrimSpace(norm.NFC.String(comment))
	if utf8.RuneCountInString(comment) <= maxCommentLength {
		return comment
	}
	runes := []rune(comment)
	return string(runes[:maxCommentLength])
}
