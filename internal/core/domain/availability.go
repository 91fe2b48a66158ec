package domain

// Availability is the fold of a product's ledger up to Version.
type Availability struct {
	ProductID string
	Restocked int
	Reserved  int
	Committed int
	Available int
	Version   uint64
}

// OnHand is the number of physical units: everything restocked minus what was sold.
func (a Availability) OnHand() int {
	return a.Restocked - a.Committed
}

// Apply returns the availability after ev. Commit and Release both close a
// Reserve, so they take their quantity out of Reserved.
func (a Availability) Apply(ev StockEvent) Availability {
	switch ev.Kind {
	case EventKindRestock:
		a.Restocked += ev.Quantity
	case EventKindReserve:
		a.Reserved += ev.Quantity
	case EventKindCommit:
		a.Reserved -= ev.Quantity
		a.Committed += ev.Quantity
	case EventKindRelease:
		a.Reserved -= ev.Quantity
	}
	a.Available = a.Restocked - a.Committed - a.Reserved
	if ev.Seq > a.Version {
		a.Version = ev.Seq
	}
	return a
}

// Fold replays events in order starting from an empty ledger.
func Fold(productID string, events []StockEvent) Availability {
	a := Availability{ProductID: productID}
	for _, ev := range events {
		a = a.Apply(ev)
	}
	return a
}
