package order

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/define"
	"github.com/ikenchina/sagastream/tc/app/dispatcher"
	"github.com/ikenchina/sagastream/tc/app/orchestrate"
)

const OrchestratorId = "order"

var (
	ErrOutOfStock          = errors.New("out of stock")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUndeliverable       = errors.New("undeliverable address")
)

type Order struct {
	Id      string `json:"id"`
	User    string `json:"user"`
	Sku     string `json:"sku"`
	Qty     int    `json:"qty"`
	Amount  int    `json:"amount"`
	Address string `json:"address"`
}

type Reservation struct {
	OrderId string `json:"order_id"`
	Amount  int    `json:"amount"`
}

type Payment struct {
	OrderId string `json:"order_id"`
	Paid    int    `json:"paid"`
}

type Shipment struct {
	OrderId    string `json:"order_id"`
	TrackingNo string `json:"tracking_no"`
}

// Inventory holds stock per sku and the reservations of orders.
type Inventory struct {
	mu       sync.Mutex
	stock    map[string]int
	reserved map[string]Order
}

func NewInventory(stock map[string]int) *Inventory {
	return &Inventory{stock: stock, reserved: make(map[string]Order)}
}

func (inv *Inventory) Reserve(o Order) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.reserved[o.Id]; ok {
		return nil
	}
	if inv.stock[o.Sku] < o.Qty {
		return fmt.Errorf("%w : %s", ErrOutOfStock, o.Sku)
	}
	inv.stock[o.Sku] -= o.Qty
	inv.reserved[o.Id] = o
	return nil
}

// Release gives back the stock reserved for the order, if any.
func (inv *Inventory) Release(orderId string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	o, ok := inv.reserved[orderId]
	if !ok {
		return
	}
	inv.stock[o.Sku] += o.Qty
	delete(inv.reserved, orderId)
}

func (inv *Inventory) Stock(sku string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.stock[sku]
}

// Wallet holds user balances and the charges of orders.
type Wallet struct {
	mu       sync.Mutex
	balances map[string]int
	charges  map[string]int
	owners   map[string]string
}

func NewWallet(balances map[string]int) *Wallet {
	return &Wallet{balances: balances, charges: make(map[string]int), owners: make(map[string]string)}
}

func (w *Wallet) Charge(user, orderId string, amount int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.charges[orderId]; ok {
		return nil
	}
	if w.balances[user] < amount {
		return fmt.Errorf("%w : %s", ErrInsufficientBalance, user)
	}
	w.balances[user] -= amount
	w.charges[orderId] = amount
	w.owners[orderId] = user
	return nil
}

// Refund returns the charge of the order, if any.
func (w *Wallet) Refund(orderId string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	amount, ok := w.charges[orderId]
	if !ok {
		return
	}
	w.balances[w.owners[orderId]] += amount
	delete(w.charges, orderId)
	delete(w.owners, orderId)
}

func (w *Wallet) Balance(user string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[user]
}

// Service is the order saga: reserve stock, charge the user, ship.
type Service struct {
	inventory *Inventory
	wallet    *Wallet

	mu        sync.Mutex
	shipped   map[string]string
	cancelled map[string]string
}

func NewService(inventory *Inventory, wallet *Wallet) *Service {
	return &Service{
		inventory: inventory,
		wallet:    wallet,
		shipped:   make(map[string]string),
		cancelled: make(map[string]string),
	}
}

// Register builds the order orchestrator on engine and an audit handler of
// rollbacks on registry.
func (s *Service) Register(engine *orchestrate.Engine, registry *dispatcher.Registry) (*orchestrate.Orchestrator, error) {
	o, err := engine.NewBuilder(OrchestratorId).
		AddStart(orchestrate.NewRollbackableStep(s.reserve, s.release)).
		AddJoin(orchestrate.NewRollbackableStep(s.charge, s.refund)).
		AddCommit(orchestrate.NewStep(s.ship)).
		Build()
	if err != nil {
		return nil, err
	}

	err = dispatcher.Handle(registry, define.TxnStateRollback, s.audit,
		dispatcher.Sync(), dispatcher.Owner("order/audit"))
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) reserve(ctx context.Context, o Order, octx *orchestrate.Context) (Reservation, error) {
	if err := s.inventory.Reserve(o); err != nil {
		return Reservation{}, err
	}
	if err := octx.Set("order", o); err != nil {
		return Reservation{}, err
	}
	return Reservation{OrderId: o.Id, Amount: o.Amount}, nil
}

func (s *Service) release(ctx context.Context, o Order, octx *orchestrate.Context) error {
	s.inventory.Release(o.Id)
	return nil
}

func (s *Service) charge(ctx context.Context, r Reservation, octx *orchestrate.Context) (Payment, error) {
	o, err := orchestrate.ContextValue[Order](octx, "order")
	if err != nil {
		return Payment{}, err
	}
	if err = s.wallet.Charge(o.User, r.OrderId, r.Amount); err != nil {
		return Payment{}, err
	}
	return Payment{OrderId: r.OrderId, Paid: r.Amount}, nil
}

func (s *Service) refund(ctx context.Context, r Reservation, octx *orchestrate.Context) error {
	s.wallet.Refund(r.OrderId)
	return nil
}

func (s *Service) ship(ctx context.Context, p Payment, octx *orchestrate.Context) (Shipment, error) {
	o, err := orchestrate.ContextValue[Order](octx, "order")
	if err != nil {
		return Shipment{}, err
	}
	if o.Address == "" {
		return Shipment{}, ErrUndeliverable
	}
	trackingNo := "TRK-" + p.OrderId
	s.mu.Lock()
	s.shipped[p.OrderId] = trackingNo
	s.mu.Unlock()
	return Shipment{OrderId: p.OrderId, TrackingNo: trackingNo}, nil
}

// audit records the cause of every rolled back order of this node. The
// undo of this node is the order itself.
func (s *Service) audit(ctx context.Context, event dispatcher.TransactionEvent, oe *orchestrate.OrchestrateEvent) error {
	rb, ok := event.(*dispatcher.TransactionRollbackEvent)
	if !ok || oe.OrchestratorId != OrchestratorId {
		return nil
	}
	o := Order{}
	if err := rb.DecodeUndo(&o); err != nil {
		return err
	}
	s.mu.Lock()
	s.cancelled[o.Id] = rb.Cause
	s.mu.Unlock()
	logutil.Logger(ctx).Info("order cancelled", zap.String("order", o.Id), zap.String("cause", rb.Cause))
	return nil
}

func (s *Service) Shipped(orderId string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	no, ok := s.shipped[orderId]
	return no, ok
}

func (s *Service) Cancelled(orderId string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cause, ok := s.cancelled[orderId]
	return cause, ok
}
