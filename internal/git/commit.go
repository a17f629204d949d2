package git

import "fmt"

// FormatCommitMessage creates a conventional commit message with run metadata.
func FormatCommitMessage(title, runID, authorName, authorEmail string) string {
	return fmt.Sprintf("feat(workflowd): %s\n\nRun ID: %s\nCo-authored-by: %s <%s>",
		title, runID, authorName, authorEmail)
}
