package api

type Limits struct {
	// BulkLimits stands for a number of entities a caller may submit at once with a batch request.
	BulkLimits int
}

func (lim *Limits) isBulkQuantityAllowed(quantity int) bool {
	if lim.BulkLimits <= 0 {
		return true
	}
	return quantity <= lim.BulkLimits
}
