package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// MenuItem is a dish on the menu. Prices are in cents.
type MenuItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Price    int    `json:"price_cents"`
}

// OpeningHours is one day's schedule.
type OpeningHours struct {
	Day    string `json:"day"`
	Opens  string `json:"opens"`
	Closes string `json:"closes"`
}

// CartLine is a quantity of one menu item.
type CartLine struct {
	ItemID   string `json:"item_id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int    `json:"price_cents"`
}

// Cart is a principal's pending order.
type Cart struct {
	Lines    []CartLine `json:"lines"`
	Subtotal int        `json:"subtotal_cents"`
}

// Order is a placed cart.
type Order struct {
	OrderID  string     `json:"order_id"`
	Lines    []CartLine `json:"lines"`
	Total    int        `json:"total_cents"`
	Notes    string     `json:"notes,omitempty"`
	PlacedAt time.Time  `json:"placed_at"`
}

// Kitchen is an in-memory restaurant backing the built-in tools. Mutating
// tools remember their result per tool call id, so replaying a call returns
// the first result without applying it twice.
type Kitchen struct {
	mu      sync.Mutex
	menu    []MenuItem
	hours   map[string]OpeningHours
	carts   map[string][]CartLine
	orders  map[string][]Order
	applied map[string]json.RawMessage
	now     func() time.Time
}

// NewKitchen returns a kitchen with the default menu and hours.
func NewKitchen() *Kitchen {
	k := &Kitchen{
		menu: []MenuItem{
			{ID: "margherita", Name: "Margherita Pizza", Category: "pizza", Price: 1200},
			{ID: "pepperoni", Name: "Pepperoni Pizza", Category: "pizza", Price: 1400},
			{ID: "caesar", Name: "Caesar Salad", Category: "salad", Price: 900},
			{ID: "garlic-bread", Name: "Garlic Bread", Category: "side", Price: 500},
			{ID: "tiramisu", Name: "Tiramisu", Category: "dessert", Price: 700},
			{ID: "lemonade", Name: "Lemonade", Category: "drink", Price: 400},
		},
		hours:   make(map[string]OpeningHours),
		carts:   make(map[string][]CartLine),
		orders:  make(map[string][]Order),
		applied: make(map[string]json.RawMessage),
		now:     time.Now,
	}
	for _, day := range []string{"monday", "tuesday", "wednesday", "thursday"} {
		k.hours[day] = OpeningHours{Day: day, Opens: "11:00", Closes: "22:00"}
	}
	for _, day := range []string{"friday", "saturday"} {
		k.hours[day] = OpeningHours{Day: day, Opens: "11:00", Closes: "23:00"}
	}
	k.hours["sunday"] = OpeningHours{Day: "sunday", Opens: "12:00", Closes: "21:00"}
	return k
}

// Register adds the kitchen's tools to r.
func (k *Kitchen) Register(r *Registry) error {
	for _, t := range []Tool{
		{
			Name:        "menu_lookup",
			Description: "Search the menu by free text or category.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"category":{"type":"string","enum":["pizza","salad","side","dessert","drink"]}},"additionalProperties":false}`),
			Execute:     k.lookupMenu,
		},
		{
			Name:        "hours_lookup",
			Description: "Opening hours for a weekday, or today when no day is given.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"day":{"type":"string","enum":["monday","tuesday","wednesday","thursday","friday","saturday","sunday"]}},"additionalProperties":false}`),
			Execute:     k.lookupHours,
		},
		{
			Name:        "cart_add",
			Description: "Add a menu item to the caller's cart.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"itemId":{"type":"string","minLength":1},"quantity":{"type":"integer","minimum":1,"maximum":20}},"required":["itemId"],"additionalProperties":false}`),
			Execute:     k.addToCart,
		},
		{
			Name:        "cart_view",
			Description: "Show the caller's cart.",
			InputSchema: json.RawMessage(`{"type":"object","additionalProperties":false}`),
			Execute:     k.viewCart,
		},
		{
			Name:        "order_place",
			Description: "Place an order for everything in the caller's cart.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"notes":{"type":"string","maxLength":500}},"additionalProperties":false}`),
			Execute:     k.placeOrder,
		},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kitchen) lookupMenu(_ context.Context, input json.RawMessage, _ domain.ToolContext) (json.RawMessage, error) {
	var args struct {
		Query    string `json:"query"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(args.Query))

	items := []MenuItem{}
	for _, item := range k.menu {
		if args.Category != "" && item.Category != args.Category {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(item.Name), query) && !strings.Contains(item.ID, query) {
			continue
		}
		items = append(items, item)
	}
	return json.Marshal(map[string]any{"items": items})
}

func (k *Kitchen) lookupHours(_ context.Context, input json.RawMessage, _ domain.ToolContext) (json.RawMessage, error) {
	var args struct {
		Day string `json:"day"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	day := args.Day
	if day == "" {
		day = strings.ToLower(k.now().Weekday().String())
	}
	hours, ok := k.hours[day]
	if !ok {
		return nil, fmt.Errorf("no opening hours for %s", day)
	}
	return json.Marshal(hours)
}

func (k *Kitchen) addToCart(_ context.Context, input json.RawMessage, tc domain.ToolContext) (json.RawMessage, error) {
	var args struct {
		ItemID   string `json:"itemId"`
		Quantity int    `json:"quantity"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	if args.Quantity == 0 {
		args.Quantity = 1
	}
	item, ok := k.item(args.ItemID)
	if !ok {
		return nil, fmt.Errorf("unknown menu item %q", args.ItemID)
	}

	return k.once(tc, func(principal string) (any, error) {
		lines := k.carts[principal]
		merged := false
		for i := range lines {
			if lines[i].ItemID == item.ID {
				lines[i].Quantity += args.Quantity
				merged = true
			}
		}
		if !merged {
			lines = append(lines, CartLine{ItemID: item.ID, Name: item.Name, Quantity: args.Quantity, Price: item.Price})
		}
		k.carts[principal] = lines
		return cartOf(lines), nil
	})
}

func (k *Kitchen) viewCart(_ context.Context, _ json.RawMessage, tc domain.ToolContext) (json.RawMessage, error) {
	principal := tc.Principal()
	if principal == "" {
		return nil, fmt.Errorf("no caller identity for cart")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return json.Marshal(cartOf(k.carts[principal]))
}

func (k *Kitchen) placeOrder(_ context.Context, input json.RawMessage, tc domain.ToolContext) (json.RawMessage, error) {
	var args struct {
		Notes string `json:"notes"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	return k.once(tc, func(principal string) (any, error) {
		lines := k.carts[principal]
		if len(lines) == 0 {
			return nil, fmt.Errorf("cart is empty")
		}
		cart := cartOf(lines)
		order := Order{
			OrderID:  "ord_" + uuid.New().String(),
			Lines:    cart.Lines,
			Total:    cart.Subtotal,
			Notes:    args.Notes,
			PlacedAt: k.now().UTC(),
		}
		k.orders[principal] = append(k.orders[principal], order)
		delete(k.carts, principal)
		return order, nil
	})
}

// Orders returns the orders placed by principal.
func (k *Kitchen) Orders(principal string) []Order {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Order(nil), k.orders[principal]...)
}

// once applies fn at most once per tool call id.
func (k *Kitchen) once(tc domain.ToolContext, fn func(principal string) (any, error)) (json.RawMessage, error) {
	principal := tc.Principal()
	if principal == "" {
		return nil, fmt.Errorf("no caller identity for cart")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if tc.ToolCallID != "" {
		if out, ok := k.applied[tc.ToolCallID]; ok {
			return out, nil
		}
	}
	v, err := fn(principal)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if tc.ToolCallID != "" {
		k.applied[tc.ToolCallID] = out
	}
	return out, nil
}

func (k *Kitchen) item(id string) (MenuItem, bool) {
	for _, item := range k.menu {
		if item.ID == id {
			return item, true
		}
	}
	return MenuItem{}, false
}

func cartOf(lines []CartLine) Cart {
	cart := Cart{Lines: append([]CartLine{}, lines...)}
	for _, l := range lines {
		cart.Subtotal += l.Price * l.Quantity
	}
	return cart
}
