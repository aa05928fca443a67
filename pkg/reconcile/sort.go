package reconcile

import (
	"sort"

	"bridgecache/pkg/models"
)

// sortMessages orders a timeline ascending by created-at; equal
// timestamps tie-break on merge key so output is deterministic across
// arrival orders.
func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].MergeKey() < msgs[j].MergeKey()
	})
}
