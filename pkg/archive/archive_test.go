package archive

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArchive(bufSize int) *Archive {
	return &Archive{
		logger:      slog.Default(),
		tablePrefix: "outcomes",
		outcomeBuf:  make(chan *Outcome, bufSize),
	}
}

func TestRecordOutcomeDropsWhenFull(t *testing.T) {
	a := testArchive(2)
	ctx := context.Background()

	a.RecordOutcome(ctx, &Outcome{UserDID: "did:plc:a"})
	a.RecordOutcome(ctx, &Outcome{UserDID: "did:plc:b"})
	a.RecordOutcome(ctx, &Outcome{UserDID: "did:plc:c"})

	assert.Equal(t, 2, len(a.outcomeBuf))
}

func TestDrainBuffer(t *testing.T) {
	a := testArchive(8)
	ctx := context.Background()

	for _, did := range []string{"did:plc:a", "did:plc:b", "did:plc:c"} {
		a.RecordOutcome(ctx, &Outcome{UserDID: did})
	}

	batch := a.drainBuffer(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "did:plc:a", batch[0].UserDID)

	// Repeated drains empty the buffer, so a shutdown flush loses nothing
	batch = a.drainBuffer(10)
	require.Len(t, batch, 1)
	assert.Equal(t, "did:plc:c", batch[0].UserDID)

	assert.Empty(t, a.drainBuffer(10))
}
