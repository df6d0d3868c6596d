package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hitoshi/tripcarbon/internal/handler"
	"github.com/hitoshi/tripcarbon/internal/model"
)

// 出力形式
const (
	OutputText = "text"
	OutputJSON = "json"
)

// printSnapshot はセッションの観測値を指定された形式で出力する。
func printSnapshot(w io.Writer, format string, snap model.Snapshot) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(handler.NewSessionResponse(snap))
	case OutputText, "":
		return printText(w, snap)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func printText(w io.Writer, snap model.Snapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", snap.State)
	if snap.PendingEmail != "" {
		fmt.Fprintf(&b, "pending email: %s\n", snap.PendingEmail)
	}
	if u := snap.User; u != nil {
		name := strings.TrimSpace(u.FirstName + " " + u.LastName)
		if id, ok := u.NumericID(); ok {
			fmt.Fprintf(&b, "user: %s (id %d)\n", name, id)
		} else {
			fmt.Fprintf(&b, "user: %s\n", name)
		}
		fmt.Fprintf(&b, "score: %g (weekly %g)\n", u.Score, u.WeeklyScore)
	}
	if snap.Info != "" {
		fmt.Fprintf(&b, "info: %s\n", snap.Info)
	}
	if snap.SecondaryMessage != "" {
		fmt.Fprintf(&b, "warning: %s\n", snap.SecondaryMessage)
	}
	if snap.Message != "" {
		fmt.Fprintf(&b, "error: %s\n", snap.Message)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
