package layout

import "reflect"

// EntryDiff describes how one named entry differs between two layouts.
type EntryDiff struct {
	Type string `json:"type"` // "added", "removed", "changed", "unchanged"
	Name string `json:"name"`
	From Entry  `json:"from,omitempty"`
	To   Entry  `json:"to,omitempty"`
}

// Diff compares two layouts entry by entry, keyed on name and ordered by an
// LCS over the entry name sequences.
func Diff(from, to Layout) []EntryDiff {
	oldNames := names(from)
	newNames := names(to)

	lcs := lcsMatrix(oldNames, newNames)
	return backtrackDiff(from.Rooms, to.Rooms, oldNames, newNames, lcs)
}

func names(l Layout) []string {
	out := make([]string, len(l.Rooms))
	for i, e := range l.Rooms {
		out[i] = e.Name()
	}
	return out
}

func lcsMatrix(a, b []string) [][]int {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}
	return dp
}

func backtrackDiff(oldRooms, newRooms []Entry, oldNames, newNames []string, lcs [][]int) []EntryDiff {
	i, j := len(oldNames), len(newNames)

	var stack []EntryDiff
	for i > 0 || j > 0 {
		if i > 0 && j > 0 && oldNames[i-1] == newNames[j-1] {
			d := EntryDiff{Type: "unchanged", Name: oldNames[i-1]}
			if !reflect.DeepEqual(oldRooms[i-1], newRooms[j-1]) {
				d.Type = "changed"
				d.From = oldRooms[i-1]
				d.To = newRooms[j-1]
			}
			stack = append(stack, d)
			i--
			j--
		} else if j > 0 && (i == 0 || lcs[i][j-1] >= lcs[i-1][j]) {
			stack = append(stack, EntryDiff{Type: "added", Name: newNames[j-1], To: newRooms[j-1]})
			j--
		} else if i > 0 {
			stack = append(stack, EntryDiff{Type: "removed", Name: oldNames[i-1], From: oldRooms[i-1]})
			i--
		}
	}

	result := make([]EntryDiff, 0, len(stack))
	for k := len(stack) - 1; k >= 0; k-- {
		result = append(result, stack[k])
	}
	return result
}
