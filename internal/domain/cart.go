package domain

import "time"

// Cart holds one user's items for a single seller. The (UserID, SellerID)
// pair is the unit of checkout independence: mutations to different sellers'
// carts never contend with each other. IntentSeq counts committed mutations
// and numbers the reservation intents they emit; it never regresses, even
// across cart deletion and recreation.
type Cart struct {
	ID        string     `bson:"_id,omitempty" json:"-"`
	UserID    string     `bson:"user_id" json:"user_id"`
	SellerID  string     `bson:"seller_id" json:"seller_id"`
	Lines     []CartLine `bson:"lines" json:"lines"`
	Version   int64      `bson:"version" json:"-"`
	IntentSeq int64      `bson:"intent_seq" json:"-"`
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updated_at"`
}

// CartLine is a single product entry. UnitPrice is in minor currency units
// and always reflects the price passed in the latest add (latest-price-wins).
type CartLine struct {
	ProductID  string    `bson:"product_id" json:"product_id"`
	Quantity   int       `bson:"quantity" json:"quantity"`
	UnitPrice  int64     `bson:"unit_price" json:"unit_price"`
	OutOfStock bool      `bson:"out_of_stock,omitempty" json:"out_of_stock,omitempty"`
	AddedAt    time.Time `bson:"added_at" json:"added_at"`
}

func (c *Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

// Line returns the index of the line for productID, or -1 if absent.
func (c *Cart) Line(productID string) int {
	for i := range c.Lines {
		if c.Lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// Subtotal sums unit price times quantity across all lines.
func (c *Cart) Subtotal() int64 {
	var total int64
	for _, line := range c.Lines {
		total += line.UnitPrice * int64(line.Quantity)
	}
	return total
}

// TotalQuantity sums line quantities; a cart whose total quantity is zero is
// skipped at checkout.
func (c *Cart) TotalQuantity() int {
	var total int
	for _, line := range c.Lines {
		total += line.Quantity
	}
	return total
}
