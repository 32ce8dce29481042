// Package credit bounds how much a run may spend.
//
// All arithmetic uses math/big integers. Inputs arrive as machine integers,
// decimal strings or big integers and are normalized by Normalize, which
// rejects anything with a fractional part instead of rounding.
//
// A Ledger captures the allowed ceiling once, at construction, from
// CalculateMaxCredits. Debits and reservations are serialized by a mutex so
// concurrently executing branches of one run can never overspend it.
package credit
