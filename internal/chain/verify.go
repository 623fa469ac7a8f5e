package chain

// Row is an event row as read back from storage for verification.
type Row struct {
	Input     HashInput
	PrevHash  []byte
	EventHash []byte
}

// Break describes where a chain verification failed.
type Break struct {
	EventID      int64  `json:"event_id"`
	Timestamp    string `json:"timestamp"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
}

// VerifyResult summarizes a chain verification pass.
type VerifyResult struct {
	Valid              bool   `json:"valid"`
	EventsChecked      int64  `json:"events_checked"`
	CheckpointsChecked int64  `json:"checkpoints_checked"`
	FirstEvent         string `json:"first_event,omitempty"`
	LastEvent          string `json:"last_event,omitempty"`
	ChainRoot          string `json:"chain_root,omitempty"`
	BreakPoint         *Break `json:"break_point,omitempty"`
}

// VerifyRows walks forward over rows ordered by id, recomputing each
// event hash from startHash and comparing with the stored values.
// Verification is read-only and stops at the first mismatch.
func VerifyRows(rows []Row, startHash [32]byte) VerifyResult {
	result := VerifyResult{Valid: true}

	expectedPrev := startHash

	for i, row := range rows {
		if i == 0 {
			result.FirstEvent = row.Input.Timestamp
			result.ChainRoot = FormatHash(expectedPrev)
		}
		result.LastEvent = row.Input.Timestamp
		result.EventsChecked++

		// The stored prev_hash must match the running chain state.
		if len(row.PrevHash) == 32 {
			storedPrev, _ := HashFromBytes(row.PrevHash)
			if storedPrev != expectedPrev {
				result.Valid = false
				result.BreakPoint = &Break{
					EventID:      row.Input.ID,
					Timestamp:    row.Input.Timestamp,
					ExpectedHash: FormatHash(expectedPrev),
					ActualHash:   FormatHash(storedPrev),
				}
				return result
			}
		}

		computed, err := ComputeEventHash(row.Input, expectedPrev)
		if err != nil {
			result.Valid = false
			result.BreakPoint = &Break{
				EventID:   row.Input.ID,
				Timestamp: row.Input.Timestamp,
			}
			return result
		}

		if len(row.EventHash) == 32 {
			stored, _ := HashFromBytes(row.EventHash)
			if stored != computed {
				result.Valid = false
				result.BreakPoint = &Break{
					EventID:      row.Input.ID,
					Timestamp:    row.Input.Timestamp,
					ExpectedHash: FormatHash(computed),
					ActualHash:   FormatHash(stored),
				}
				return result
			}
			expectedPrev = stored
		}
	}

	return result
}
