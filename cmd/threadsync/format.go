package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/agentworkforce/threadsync/internal/threaddb"
	"github.com/agentworkforce/threadsync/internal/umbrella"
)

const snippetWidth = 72

type styles struct {
	id       lipgloss.Style
	dim      lipgloss.Style
	resolved lipgloss.Style
	unread   lipgloss.Style
}

// newStyles binds styles to w so colors are dropped when w is not a terminal.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		id:       r.NewStyle().Bold(true),
		dim:      r.NewStyle().Faint(true),
		resolved: r.NewStyle().Foreground(lipgloss.Color("2")),
		unread:   r.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	runes := []rune(body)
	if len(runes) <= snippetWidth {
		return body
	}
	return string(runes[:snippetWidth-1]) + "…"
}

func liveComments(t threaddb.ThreadRecord) []threaddb.CommentRecord {
	out := make([]threaddb.CommentRecord, 0, len(t.Comments))
	for _, c := range t.Comments {
		if c.DeletedAt == nil {
			out = append(out, c)
		}
	}
	return out
}

func printThreads(w io.Writer, st styles, threads []threaddb.ThreadRecord) {
	if len(threads) == 0 {
		fmt.Fprintln(w, st.dim.Render("no threads"))
		return
	}
	for _, t := range threads {
		comments := liveComments(t)
		state := "open"
		if t.Resolved {
			state = st.resolved.Render("resolved")
		}
		fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
			st.id.Render(t.ID),
			t.RoomID,
			state,
			humanize.Plural(len(comments), "comment", "comments"),
			st.dim.Render("updated "+ago(t.UpdatedAt)),
		)
		if len(t.Metadata) > 0 {
			fmt.Fprintf(w, "    %s\n", st.dim.Render(formatMetadata(t.Metadata)))
		}
		for _, c := range comments {
			fmt.Fprintf(w, "    %s %s: %s\n", st.dim.Render(c.ID), c.UserID, snippet(c.Body))
		}
	}
}

func printInbox(w io.Writer, st styles, snap umbrella.Snapshot) {
	notes := snap.Notifications()
	fmt.Fprintf(w, "%s unread of %s\n",
		st.unread.Render(strconv.Itoa(snap.UnreadCount())),
		humanize.Plural(len(notes), "notification", "notifications"))
	for _, n := range notes {
		marker := " "
		if n.ReadAt == nil {
			marker = st.unread.Render("*")
		}
		line := fmt.Sprintf("%s %s  %s  %s", marker, st.id.Render(n.ID), n.ThreadID, st.dim.Render(ago(n.NotifiedAt)))
		if t, ok := snap.Get(n.ThreadID); ok {
			if comments := liveComments(t); len(comments) > 0 {
				last := comments[len(comments)-1]
				line += "  " + last.UserID + ": " + snippet(last.Body)
			}
		}
		fmt.Fprintln(w, line)
	}
}

func formatMetadata(m threaddb.Metadata) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}

// parseMetadata reads key=value pairs. true, false and numbers keep their
// type; everything else is a string.
func parseMetadata(pairs []string) (threaddb.Metadata, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := threaddb.Metadata{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", pair)
		}
		out[key] = parseMetadataValue(raw)
	}
	return out, nil
}

func parseMetadataValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return raw
}
