package cache

import (
	"strconv"
	"strings"

	"github.com/fieldworks/fieldsync/internal/models"
)

// Filter narrows an entity list by status and search text. Pure function:
// the input is not modified and snapshot order is preserved.
//
// status equality is skipped for models.StatusAll (or empty). search is a
// case-insensitive substring match across title, client and ID.
func Filter(entities []models.WorkOrder, status models.Status, search string) []models.WorkOrder {
	search = strings.ToLower(strings.TrimSpace(search))

	out := make([]models.WorkOrder, 0, len(entities))
	for _, e := range entities {
		if status != "" && status != models.StatusAll && e.Status != status {
			continue
		}
		if search != "" && !matches(e, search) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matches(e models.WorkOrder, search string) bool {
	if strings.Contains(strings.ToLower(e.Title), search) {
		return true
	}
	if strings.Contains(strings.ToLower(e.Client), search) {
		return true
	}
	return strings.Contains(strconv.FormatInt(e.ID, 10), search)
}
