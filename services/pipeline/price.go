package pipeline

// ValidatePrice accepts strictly positive prices. Zero, negative and
// NaN values all fail, NaN because it compares false against
// everything. Pure function, safe to call from any goroutine.
func ValidatePrice(price float64) error {
	if price > 0 {
		return nil
	}
	return &PriceError{Value: price}
}
