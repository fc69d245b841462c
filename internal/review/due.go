package review

import "time"

// DueSet is the result of a due-card query.
//
// TotalDue counts the returned cards only, so it never exceeds the query
// limit. Backlog is the number of due cards before truncation.
type DueSet struct {
	Cards       []Card `json:"due_cards"`
	TotalDue    int    `json:"total_due"`
	NewCount    int    `json:"new_cards"`
	ReviewCount int    `json:"review_cards"`
	Backlog     int    `json:"backlog"`
}

// SelectDue filters cards down to those due at now, optionally within one
// document, keeping input order and at most limit entries.
func SelectDue(cards []Card, now time.Time, documentID *string, limit int) DueSet {
	set := DueSet{Cards: []Card{}}
	for _, c := range cards {
		if !c.IsDue(now) || !c.InDocument(documentID) {
			continue
		}
		set.Backlog++
		if len(set.Cards) >= limit {
			continue
		}
		set.Cards = append(set.Cards, c)
		if c.IsNew() {
			set.NewCount++
		} else {
			set.ReviewCount++
		}
	}
	set.TotalDue = len(set.Cards)
	return set
}
