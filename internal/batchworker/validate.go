package batchworker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

// validateRecords enforces spec §4.8 step 1: a non-empty record list, every
// record carrying memberId and requestId. The offending indices are
// reported together rather than failing on the first bad record, so a
// caller sees the whole shape of the problem in one job failure.
func validateRecords(records []domain.Record) error {
	if len(records) == 0 {
		return fmt.Errorf("job has no records")
	}

	var bad []string
	for i, r := range records {
		if r.MemberID == "" || r.RequestID == "" {
			bad = append(bad, strconv.Itoa(i))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("records missing memberId/requestId at indices: %s", strings.Join(bad, ","))
	}
	return nil
}
