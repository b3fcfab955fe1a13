package nacha_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propmaster/ledger-engine/nacha"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var cfg = nacha.FileConfig{
	ImmediateDestination: "091000019",
	ImmediateOrigin:      "1234567890",
	DestinationName:      "FIRST TRUST BANK",
	OriginName:           "PROPMASTER TRUST",
	CompanyName:          "PROPMASTER",
	CompanyID:            "1234567890",
	ODFIRouting:          "09100001",
	ReferenceCode:        "OWNRDIST",
}

func build(t *testing.T, entries []nacha.Entry) *nacha.File {
	t.Helper()
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	effective := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	f, err := nacha.Build(cfg, entries, now, effective)
	require.NoError(t, err)
	return f
}

func oneEntry() []nacha.Entry {
	return []nacha.Entry{{
		RDFIRouting:   "061000104",
		AccountNumber: "1234567",
		AmountCents:   390000,
		IndividualID:  "owner-a",
		Name:          "Alice Arnold",
	}}
}

// =============================================================================
// STRUCTURE
// =============================================================================

func TestBuild_RecordsAre94Chars(t *testing.T) {
	f := build(t, oneEntry())
	lines := strings.Split(strings.TrimRight(f.Content, "\n"), "\n")
	for i, line := range lines {
		assert.Len(t, line, 94, "line %d", i)
	}
}

func TestBuild_BlockedToMultipleOfTen(t *testing.T) {
	f := build(t, oneEntry())
	lines := strings.Split(strings.TrimRight(f.Content, "\n"), "\n")
	assert.Zero(t, len(lines)%10, "file must block to a multiple of 10 lines")

	// The fill records are all 9s.
	last := lines[len(lines)-1]
	assert.Equal(t, strings.Repeat("9", 94), last)
}

func TestBuild_RecordTypeSequence(t *testing.T) {
	f := build(t, oneEntry())
	lines := strings.Split(strings.TrimRight(f.Content, "\n"), "\n")
	assert.Equal(t, byte('1'), lines[0][0], "file header first")
	assert.Equal(t, byte('5'), lines[1][0], "batch header")
	assert.Equal(t, byte('6'), lines[2][0], "entry detail")
	assert.Equal(t, byte('8'), lines[3][0], "batch control")
	assert.Equal(t, byte('9'), lines[4][0], "file control")
}

// =============================================================================
// FIELD CONTENT
// =============================================================================

func TestBuild_FileHeaderFields(t *testing.T) {
	f := build(t, oneEntry())
	header := strings.Split(f.Content, "\n")[0]
	assert.Equal(t, "01", header[1:3], "priority code")
	assert.Equal(t, "250314", header[23:29], "creation date YYMMDD")
	assert.Equal(t, "0930", header[29:33], "creation time HHMM")
	assert.Equal(t, "094", header[34:37], "record size")
	assert.Equal(t, "10", header[37:39], "blocking factor")
	assert.Equal(t, "1", header[39:40], "format code")
}

func TestBuild_BatchHeaderFields(t *testing.T) {
	f := build(t, oneEntry())
	batch := strings.Split(f.Content, "\n")[1]
	assert.Equal(t, "220", batch[1:4], "service class: credits only")
	assert.Equal(t, "PPD", batch[50:53], "SEC code")
	assert.Equal(t, "OWNER PAY ", batch[53:63], "entry description")
	assert.Equal(t, "250315", batch[69:75], "effective entry date")
	assert.Equal(t, "1", batch[78:79], "originator status")
	assert.Equal(t, "0000001", batch[87:94], "batch number")
}

func TestBuild_EntryDetailFields(t *testing.T) {
	// Scenario: one owner, $3,900 as 390000 cents.
	f := build(t, oneEntry())
	entry := strings.Split(f.Content, "\n")[2]
	assert.Equal(t, "22", entry[1:3], "transaction code: checking credit")
	assert.Equal(t, "06100010", entry[3:11], "RDFI routing prefix")
	assert.Equal(t, "4", entry[11:12], "routing check digit")
	assert.Equal(t, "0000390000", entry[29:39], "amount in cents")
	assert.Equal(t, "ALICE ARNOLD", strings.TrimRight(entry[54:76], " "))
	assert.Equal(t, "0", entry[78:79], "addenda indicator")
	assert.Equal(t, "09100001", entry[79:87], "ODFI trace prefix")
	assert.Equal(t, "0000001", entry[87:94], "trace sequence")
}

func TestBuild_BatchControlTotals(t *testing.T) {
	entries := append(oneEntry(), nacha.Entry{
		RDFIRouting: "091000019", AccountNumber: "777", AmountCents: 10000,
		IndividualID: "owner-b", Name: "Bob Breck",
	})
	f := build(t, entries)
	control := strings.Split(f.Content, "\n")[4]

	assert.Equal(t, "000002", control[4:10], "entry count")
	assert.Equal(t, "000000000000", control[20:32], "total debits zero")
	assert.Equal(t, "000000400000", control[32:44], "total credits")

	// Entry hash: 06100010 + 09100001 = 15200011.
	assert.Equal(t, "0015200011", control[10:20])
	assert.Equal(t, int64(15200011), f.EntryHash)
}

func TestBuild_FileControlTotals(t *testing.T) {
	f := build(t, oneEntry())
	lines := strings.Split(f.Content, "\n")
	control := lines[4]
	assert.Equal(t, "000001", control[1:7], "batch count")
	assert.Equal(t, "00000001", control[13:21], "entry count")
	assert.Equal(t, "000000390000", control[43:55], "total credits")
}

func TestBuild_SummaryTotals(t *testing.T) {
	f := build(t, oneEntry())
	assert.Equal(t, 1, f.EntryCount)
	assert.Equal(t, int64(390000), f.TotalCredits)
	assert.Equal(t, 1, f.BatchCount)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestBuild_NoEntries_Rejected(t *testing.T) {
	_, err := nacha.Build(cfg, nil, time.Now(), time.Now())
	assert.Error(t, err)
}

func TestBuild_BadRouting_Rejected(t *testing.T) {
	_, err := nacha.Build(cfg, []nacha.Entry{{
		RDFIRouting: "12345", AccountNumber: "1", AmountCents: 1, Name: "x",
	}}, time.Now(), time.Now())
	assert.Error(t, err)
}

func TestBuild_EntryHashMod10e10(t *testing.T) {
	// The entry hash is the sum of the 8-digit routing prefixes modulo 10^10;
	// three 99999999 prefixes sum to 299999997.
	var entries []nacha.Entry
	for i := 0; i < 3; i++ {
		entries = append(entries, nacha.Entry{
			RDFIRouting: "999999999", AccountNumber: "1", AmountCents: 100, Name: "x",
			IndividualID: "i",
		})
	}
	f := build(t, entries)
	assert.Equal(t, int64(299999997), f.EntryHash%10_000_000_000)
}
