package routing

// candidate is an eligible provider with its configured weight.
type candidate struct {
	name   string
	weight float64
}
