/*
fire.go - IRS FIRE transmission file

PURPOSE:

	Emits the fixed-width electronic 1099 file: records T (transmitter),
	A (payer), B (one per payee), C (end of payer), F (end of
	transmission). Every record is exactly 750 characters; the record
	builder writes each field at its fixed position.

LAYOUT NOTES:
  - record type occupies position 1, payment year positions 2-5
  - amounts are unsigned integers of cents, right-justified, zero-filled
  - payee name control is the first four letters or digits of the full
    name, uppercased (no surname extraction)
  - TINs are digits only
*/
package tax

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const fireRecordLen = 750

// Transmitter identifies the filer in the T record.
type Transmitter struct {
	TCC     string // transmitter control code, 5 chars
	TIN     string
	Name    string
	Company string
	Contact string
}

// Payer identifies the filing organization in the A record.
type Payer struct {
	TIN         string
	Name        string
	Address1    string
	City        string
	State       string
	Zip         string
	NameControl string // 4 chars
}

// =============================================================================
// RECORD BUILDER
// =============================================================================

// fireRecord is one fixed-width line under construction.
type fireRecord struct {
	buf []byte
}

func newFireRecord(recordType byte) *fireRecord {
	r := &fireRecord{buf: []byte(strings.Repeat(" ", fireRecordLen))}
	r.buf[0] = recordType
	return r
}

// put writes an alphanumeric field left-justified at 1-based position.
func (r *fireRecord) put(pos int, width int, value string) {
	v := strings.ToUpper(value)
	if len(v) > width {
		v = v[:width]
	}
	copy(r.buf[pos-1:], v+strings.Repeat(" ", width-len(v)))
}

// putNum writes a numeric field right-justified, zero-filled.
func (r *fireRecord) putNum(pos int, width int, value int64) {
	v := fmt.Sprintf("%0*d", width, value)
	if len(v) > width {
		v = v[len(v)-width:]
	}
	copy(r.buf[pos-1:], v)
}

func (r *fireRecord) String() string { return string(r.buf) }

// =============================================================================
// FILE GENERATION
// =============================================================================

// BuildFIREFile assembles the complete transmission for one payer. Forms
// are grouped by return type: each group gets its own A record and C
// record, all inside one T/F envelope.
func BuildFIREFile(t Transmitter, p Payer, forms []Form1099, taxYear int) string {
	var lines []string

	lines = append(lines, buildTRecord(t, taxYear))

	groups := map[ReturnType][]Form1099{}
	order := []ReturnType{ReturnNEC, ReturnMISC}
	for _, f := range forms {
		groups[f.ReturnType] = append(groups[f.ReturnType], f)
	}

	payerCount := int64(0)
	totalPayees := int64(0)
	seq := int64(1)
	for _, rt := range order {
		group := groups[rt]
		if len(group) == 0 {
			continue
		}
		payerCount++
		lines = append(lines, buildARecord(p, rt, taxYear))

		groupTotal := decimal.Zero
		for _, f := range group {
			seq++
			lines = append(lines, buildBRecord(f, taxYear, seq))
			groupTotal = groupTotal.Add(f.Amount)
			totalPayees++
		}
		lines = append(lines, buildCRecord(int64(len(group)), groupTotal))
	}

	lines = append(lines, buildFRecord(payerCount, totalPayees))
	return strings.Join(lines, "\n") + "\n"
}

func buildTRecord(t Transmitter, year int) string {
	r := newFireRecord('T')
	r.putNum(2, 4, int64(year))
	r.put(6, 1, " ") // prior year indicator
	r.put(7, 9, digitsOnly(t.TIN))
	r.put(16, 5, t.TCC)
	r.put(30, 40, t.Name)
	r.put(70, 40, t.Company)
	r.put(304, 40, t.Contact)
	r.putNum(500, 8, 1) // sequence number
	return r.String()
}

func buildARecord(p Payer, rt ReturnType, year int) string {
	r := newFireRecord('A')
	r.putNum(2, 4, int64(year))
	r.put(6, 1, " ") // combined federal/state: blank unless enrolled
	r.put(12, 9, digitsOnly(p.TIN))
	r.put(21, 4, payerNameControl(p))
	r.put(27, 2, returnTypeCode(rt))
	r.put(52, 40, p.Name)
	r.put(134, 40, p.Address1)
	r.put(174, 40, p.City)
	r.put(214, 2, p.State)
	r.put(216, 9, digitsOnly(p.Zip))
	return r.String()
}

func buildBRecord(f Form1099, year int, seq int64) string {
	r := newFireRecord('B')
	r.putNum(2, 4, int64(year))
	r.put(7, 4, nameControl(f.Recipient.Name))
	r.put(11, 1, tinType(f.Recipient))
	r.put(12, 9, digitsOnly(f.Recipient.TIN))
	r.put(21, 20, f.RecipientID) // payer's account number for payee
	// Payment amount 1, cents, positions 55-66.
	r.putNum(55, 12, centsOf(f.Amount))
	r.put(248, 40, f.Recipient.Name)
	r.put(368, 40, f.Recipient.Address1)
	r.put(440, 40, f.Recipient.City)
	r.put(480, 2, f.Recipient.State)
	r.put(482, 9, digitsOnly(f.Recipient.Zip))
	r.putNum(500, 8, seq)
	return r.String()
}

func buildCRecord(payeeCount int64, total decimal.Decimal) string {
	r := newFireRecord('C')
	r.putNum(2, 8, payeeCount)
	r.putNum(10, 6, 0)
	r.putNum(16, 18, centsOf(total))
	return r.String()
}

func buildFRecord(payerCount, totalPayees int64) string {
	r := newFireRecord('F')
	r.putNum(2, 8, payerCount)
	r.putNum(10, 21, 0)
	r.putNum(31, 8, totalPayees)
	return r.String()
}

// =============================================================================
// FIELD HELPERS
// =============================================================================

func returnTypeCode(rt ReturnType) string {
	switch rt {
	case ReturnNEC:
		return "NE"
	default:
		return "A " // 1099-MISC amount codes group
	}
}

// nameControl is the first four significant characters of the payee
// name, uppercased, letters and digits only.
func nameControl(name string) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(name) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
			if b.Len() == 4 {
				break
			}
		}
	}
	return b.String()
}

func payerNameControl(p Payer) string {
	if p.NameControl != "" {
		return p.NameControl
	}
	return nameControl(p.Name)
}

func tinType(r Recipient) string {
	// 1 = EIN (business), 2 = SSN. Vendors file as businesses by default.
	if r.Kind == KindVendor {
		return "1"
	}
	return "2"
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func centsOf(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
