/*
Package nacha builds ACH credit batch files for owner distributions.

PURPOSE:

	Emits the fixed-width NACHA format: 94-character records, one file
	header (1), one batch header (5), entry details (6), batch control
	(8), file control (9), blocked to a multiple of 10 lines with 9-fill.

FORMAT NOTES:
  - amounts are unsigned integers of cents
  - the entry hash is the sum of each entry's RDFI routing number
    truncated to its first 8 digits, modulo 10^10
  - trace numbers are the ODFI's 8-digit prefix plus a 7-digit sequence
  - service class 220 (credits only), SEC code PPD, description OWNER PAY

SEE ALSO:
  - sagas/distribution.go: the only producer
*/
package nacha

import (
	"fmt"
	"strings"
	"time"
)

const recordLen = 94

// FileConfig identifies the origin and destination institutions.
type FileConfig struct {
	ImmediateDestination string // destination routing, 9 or 10 chars
	ImmediateOrigin      string // company id / origin routing
	DestinationName      string
	OriginName           string
	CompanyName          string // 16 chars max
	CompanyID            string // 10 chars
	ODFIRouting          string // originating DFI, first 8 digits used
	ReferenceCode        string
}

// Entry is one ACH credit to an owner.
type Entry struct {
	RDFIRouting   string // 9 digits, receiver's bank
	AccountNumber string
	AmountCents   int64
	IndividualID  string
	Name          string
}

// File is the built output plus its control totals.
type File struct {
	Content      string
	EntryCount   int
	TotalCredits int64
	EntryHash    int64
	BatchCount   int
	BlockCount   int
}

// =============================================================================
// BUILDER
// =============================================================================

// Build assembles a single-batch credit file for the given entries,
// effective on effectiveDate.
func Build(cfg FileConfig, entries []Entry, now, effectiveDate time.Time) (*File, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("nacha file requires at least one entry")
	}

	var lines []string
	lines = append(lines, fileHeader(cfg, now))
	lines = append(lines, batchHeader(cfg, now, effectiveDate))

	totalCredits := int64(0)
	entryHash := int64(0)
	odfi8 := pad8Digits(cfg.ODFIRouting)
	for i, e := range entries {
		if len(digits(e.RDFIRouting)) != 9 {
			return nil, fmt.Errorf("entry %d: RDFI routing must be 9 digits, got %q", i, e.RDFIRouting)
		}
		lines = append(lines, entryDetail(e, odfi8, i+1))
		totalCredits += e.AmountCents
		entryHash += routing8(e.RDFIRouting)
	}
	entryHash = entryHash % 1_0000_000_000 // mod 10^10

	lines = append(lines, batchControl(cfg, len(entries), entryHash, totalCredits))

	// File control counts include everything except the 9-fill.
	blockCount := (len(lines) + 1 + 9) / 10
	lines = append(lines, fileControl(len(entries), entryHash, totalCredits, blockCount))

	// Block to a multiple of 10 with 9-fill records.
	for len(lines)%10 != 0 {
		lines = append(lines, strings.Repeat("9", recordLen))
	}

	return &File{
		Content:      strings.Join(lines, "\n") + "\n",
		EntryCount:   len(entries),
		TotalCredits: totalCredits,
		EntryHash:    entryHash,
		BatchCount:   1,
		BlockCount:   blockCount,
	}, nil
}

// =============================================================================
// RECORDS
// =============================================================================

type record struct{ buf []byte }

func newRecord(recordType byte) *record {
	r := &record{buf: []byte(strings.Repeat(" ", recordLen))}
	r.buf[0] = recordType
	return r
}

func (r *record) alpha(pos, width int, v string) {
	v = strings.ToUpper(v)
	if len(v) > width {
		v = v[:width]
	}
	copy(r.buf[pos-1:], v+strings.Repeat(" ", width-len(v)))
}

func (r *record) num(pos, width int, v int64) {
	s := fmt.Sprintf("%0*d", width, v)
	if len(s) > width {
		s = s[len(s)-width:]
	}
	copy(r.buf[pos-1:], s)
}

func (r *record) raw(pos int, v string) {
	copy(r.buf[pos-1:], v)
}

func (r *record) String() string { return string(r.buf) }

// fileHeader is the type 1 record.
func fileHeader(cfg FileConfig, now time.Time) string {
	r := newRecord('1')
	r.raw(2, "01")                                       // priority code
	r.alpha(4, 10, " "+digits(cfg.ImmediateDestination)) // blank + routing
	r.alpha(14, 10, " "+digits(cfg.ImmediateOrigin))
	r.raw(24, now.Format("060102")) // file creation date YYMMDD
	r.raw(30, now.Format("1504"))   // file creation time HHMM
	r.alpha(34, 1, "A")             // file ID modifier
	r.raw(35, "094")                // record size
	r.raw(38, "10")                 // blocking factor
	r.raw(40, "1")                  // format code
	r.alpha(41, 23, cfg.DestinationName)
	r.alpha(64, 23, cfg.OriginName)
	r.alpha(87, 8, cfg.ReferenceCode)
	return r.String()
}

// batchHeader is the type 5 record: service class 220, SEC PPD.
func batchHeader(cfg FileConfig, now, effective time.Time) string {
	r := newRecord('5')
	r.raw(2, "220") // credits only
	r.alpha(5, 16, cfg.CompanyName)
	r.alpha(21, 20, "") // discretionary data
	r.alpha(41, 10, cfg.CompanyID)
	r.raw(51, "PPD")
	r.alpha(54, 10, "OWNER PAY")
	r.raw(64, now.Format("060102"))       // descriptive date
	r.raw(70, effective.Format("060102")) // effective entry date
	r.alpha(76, 3, "")                    // settlement date (bank fills)
	r.raw(79, "1")                        // originator status code
	r.raw(80, pad8Digits(cfg.ODFIRouting))
	r.num(88, 7, 1) // batch number
	return r.String()
}

// entryDetail is the type 6 record: transaction code 22 (checking credit).
func entryDetail(e Entry, odfi8 string, seq int) string {
	routing := digits(e.RDFIRouting)
	r := newRecord('6')
	r.raw(2, "22")
	r.raw(4, routing[:8])
	r.raw(12, routing[8:9]) // check digit
	r.alpha(13, 17, e.AccountNumber)
	r.num(30, 10, e.AmountCents)
	r.alpha(40, 15, e.IndividualID)
	r.alpha(55, 22, e.Name)
	r.alpha(77, 2, "") // discretionary
	r.raw(79, "0")     // addenda indicator
	r.raw(80, odfi8)
	r.num(88, 7, int64(seq)) // trace sequence
	return r.String()
}

// batchControl is the type 8 record.
func batchControl(cfg FileConfig, entryCount int, entryHash, totalCredits int64) string {
	r := newRecord('8')
	r.raw(2, "220")
	r.num(5, 6, int64(entryCount))
	r.num(11, 10, entryHash)
	r.num(21, 12, 0) // total debits
	r.num(33, 12, totalCredits)
	r.alpha(45, 10, cfg.CompanyID)
	r.alpha(55, 19, "") // message authentication code
	r.alpha(74, 6, "")  // reserved
	r.raw(80, pad8Digits(cfg.ODFIRouting))
	r.num(88, 7, 1) // batch number
	return r.String()
}

// fileControl is the type 9 record.
func fileControl(entryCount int, entryHash, totalCredits int64, blockCount int) string {
	r := newRecord('9')
	r.num(2, 6, 1) // batch count
	r.num(8, 6, int64(blockCount))
	r.num(14, 8, int64(entryCount))
	r.num(22, 10, entryHash)
	r.num(32, 12, 0) // total debits
	r.num(44, 12, totalCredits)
	r.alpha(56, 39, "") // reserved
	return r.String()
}

// =============================================================================
// HELPERS
// =============================================================================

func digits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// routing8 returns the numeric value of the routing number's first
// 8 digits, the entry-hash contribution.
func routing8(routing string) int64 {
	d := digits(routing)
	if len(d) > 8 {
		d = d[:8]
	}
	var n int64
	fmt.Sscanf(d, "%d", &n)
	return n
}

func pad8Digits(s string) string {
	d := digits(s)
	if len(d) >= 8 {
		return d[:8]
	}
	return d + strings.Repeat("0", 8-len(d))
}
