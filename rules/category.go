package rules

// Category groups rules and reserves an evaluationOrder range for them.
// Lower ranges are evaluated first, so lockout rules can short-circuit
// everything else.
type Category string

const (
	CategoryLockout       Category = "lockout"
	CategoryTimeCritical  Category = "time_critical"
	CategoryEnvironmental Category = "environmental"
	CategoryBehavioral    Category = "behavioral"
)

// OrderRange is the inclusive evaluationOrder range reserved for a category
type OrderRange struct {
	Min int
	Max int
}

var categoryRanges = map[Category]OrderRange{
	CategoryLockout:       {Min: 0, Max: 99},
	CategoryTimeCritical:  {Min: 100, Max: 199},
	CategoryEnvironmental: {Min: 200, Max: 299},
	CategoryBehavioral:    {Min: 300, Max: 399},
}

// OrderRangeFor returns the reserved range for a known category.
// Custom categories have no range and ok is false.
func OrderRangeFor(c Category) (OrderRange, bool) {
	r, ok := categoryRanges[c]
	return r, ok
}

// Contains reports whether order falls inside the range
func (r OrderRange) Contains(order int) bool {
	return order >= r.Min && order <= r.Max
}
