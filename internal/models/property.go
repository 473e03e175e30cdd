package models

// Principal is the verified identity of a caller.
// It is supplied by the authentication layer and compared verbatim.
type Principal string

// PropertyID identifies a parcel. IDs start at 1 and are never reused.
type PropertyID uint64

// Tick is an opaque, monotonically non-decreasing time stamp (block height).
type Tick uint64

// Zone is an administrator-defined zoning rule.
// TaxRate is carried for reporting only; no tax amount is derived from it.
type Zone struct {
	Name            string `json:"name"`
	MaxImprovements uint64 `json:"max_improvements"`
	TaxRate         uint64 `json:"tax_rate"`
}

// Property is a virtual parcel on the ledger.
// A Price of zero means the parcel is not for sale.
type Property struct {
	Owner          Principal  `json:"owner"`
	Zone           string     `json:"zone"`
	ID             PropertyID `json:"id"`
	Price          uint64     `json:"price"`
	LastTaxPayment Tick       `json:"last_tax_payment"`
	Improvements   uint64     `json:"improvements"`
}

// ForSale reports whether the parcel can be bought.
func (p Property) ForSale() bool {
	return p.Price > 0
}

