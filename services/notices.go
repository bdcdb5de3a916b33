package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const deadlineLayout = "2006-01-02 15:04 MST"

// expiryMarker は期限切れ通知に埋め込む HTML コメント
// 同じ期限の通知を二重に投稿しないために使う
func expiryMarker(user string, deadline time.Time) string {
	return fmt.Sprintf("<!-- issue-assign-bot:expired user=%s deadline=%d -->", strings.ToLower(user), deadline.Unix())
}

// HasExpiryNotice は comments に user/deadline の期限切れ通知が含まれているか
func HasExpiryNotice(comments []Comment, user string, deadline time.Time) bool {
	marker := expiryMarker(user, deadline)
	for _, c := range comments {
		if strings.Contains(c.Body, marker) {
			return true
		}
	}
	return false
}

func formatDeadline(t time.Time) string {
	return t.UTC().Format(deadlineLayout)
}

// formatHours は 1.5 時間を "1.5" のように表示する
func formatHours(d time.Duration) string {
	return strconv.FormatFloat(d.Hours(), 'f', -1, 64)
}

func assignedNotice(user string, d time.Duration, deadline time.Time) string {
	return fmt.Sprintf("@%s has been assigned to this issue for %s hours. Deadline: %s.", user, formatHours(d), formatDeadline(deadline))
}

func queueAssignedNotice(user string, d time.Duration, deadline time.Time) string {
	return fmt.Sprintf("@%s has been auto-assigned to this queued issue for %s hours. Deadline: %s.", user, formatHours(d), formatDeadline(deadline))
}

func queuedNotice(user string, maxActive int) string {
	return fmt.Sprintf("@%s, you have reached the maximum of %d active assignments. This issue has been added to your queue and will be assigned once a slot is available.", user, maxActive)
}

func blockedNotice(user string, until time.Time) string {
	return fmt.Sprintf("@%s, you are temporarily blocked from being assigned this issue until %s due to a previous expired assignment.", user, formatDeadline(until))
}

func alreadyAssignedNotice(user string) string {
	return fmt.Sprintf("@%s, you are already assigned to this issue.", user)
}

func takenNotice(user, assignee string) string {
	return fmt.Sprintf("@%s, this issue is already assigned to @%s.", user, assignee)
}

func unassignedNotice(user string) string {
	return fmt.Sprintf("@%s has been unassigned from this issue.", user)
}

func notAuthorizedNotice(user string) string {
	return fmt.Sprintf("@%s is not authorized to extend assignment deadlines.", user)
}

func extendedNotice(amount string, deadline time.Time) string {
	return fmt.Sprintf("The assignment deadline has been extended by %s. New deadline: %s.", amount, formatDeadline(deadline))
}

const (
	noAssignmentNotice  = "No active assignment found to extend."
	invalidExtendNotice = "Invalid extension format. Use /extend-<number><h or m> (e.g., /extend-1h)."
	welcomeNotice       = "Thanks for opening this issue!"
)

func errorNotice(command string) string {
	return fmt.Sprintf("An error occurred while processing your %s command. Please try again later.", command)
}

func expiredNotice(user string, deadline time.Time, block time.Duration) string {
	return fmt.Sprintf("Assignment for @%s has expired and been removed. You are blocked from being assigned this issue for %s hours.\n\n%s",
		user, formatHours(block), expiryMarker(user, deadline))
}

func completedNotice(user string, issue int) string {
	return fmt.Sprintf("Assignment for @%s on issue #%d has been completed with the PR merge.", user, issue)
}

var closingRefPattern = regexp.MustCompile(`(?i)closes\s+#(\d+)`)

// ClosingReferences は PR 本文の "closes #<n>" を出現順に重複なく返す
func ClosingReferences(body string) []int {
	var refs []int
	seen := make(map[int]bool)
	for _, m := range closingRefPattern.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 || seen[n] {
			continue
		}
		seen[n] = true
		refs = append(refs, n)
	}
	return refs
}
