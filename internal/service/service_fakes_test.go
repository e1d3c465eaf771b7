package service

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ecotrade-exchange/ecotrade-market/internal/cache"
	"github.com/ecotrade-exchange/ecotrade-market/internal/model"
	"github.com/ecotrade-exchange/ecotrade-market/internal/repository"
)

// 服务层测试用的内存假仓储。
// SQLite 不支持 SELECT FOR UPDATE, 服务层测试用假仓储隔离数据库方言;
// 仓储本身的 SQL 行为由 repository 包的测试覆盖。

type fakeListingRepo struct {
	mu       sync.Mutex
	listings map[string]*model.Listing
}

func newFakeListingRepo() *fakeListingRepo {
	return &fakeListingRepo{listings: make(map[string]*model.Listing)}
}

func (r *fakeListingRepo) Create(ctx context.Context, listing *model.Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listings[listing.ListingID]; ok {
		return repository.ErrListingAlreadyExists
	}
	cp := *listing
	r.listings[listing.ListingID] = &cp
	return nil
}

func (r *fakeListingRepo) GetByListingID(ctx context.Context, listingID string) (*model.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	listing, ok := r.listings[listingID]
	if !ok {
		return nil, repository.ErrListingNotFound
	}
	cp := *listing
	return &cp, nil
}

func (r *fakeListingRepo) GetByListingIDForUpdate(ctx context.Context, listingID string) (*model.Listing, error) {
	return r.GetByListingID(ctx, listingID)
}

func (r *fakeListingRepo) ListByOwner(ctx context.Context, ownerID string, filter *repository.ListingFilter, page *repository.Pagination) ([]*model.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Listing
	for _, l := range r.listings {
		if l.OwnerID == ownerID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeListingRepo) ListExpiredOpenAuctions(ctx context.Context, endBefore int64, limit int) ([]*model.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Listing
	for _, l := range r.listings {
		if l.Type == model.ListingTypeAuction && l.Status == model.ListingStatusOpen && l.AuctionEndAt <= endBefore {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AuctionEndAt < out[j].AuctionEndAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeListingRepo) Update(ctx context.Context, listing *model.Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listings[listing.ListingID]; !ok {
		return repository.ErrListingNotFound
	}
	cp := *listing
	r.listings[listing.ListingID] = &cp
	return nil
}

func (r *fakeListingRepo) UpdateStatus(ctx context.Context, listingID string, oldStatus, newStatus model.ListingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	listing, ok := r.listings[listingID]
	if !ok || listing.Status != oldStatus {
		return repository.ErrOptimisticLock
	}
	listing.Status = newStatus
	listing.Version++
	return nil
}

type fakeBidRepo struct {
	mu   sync.Mutex
	bids map[string]*model.AuctionBid
}

func newFakeBidRepo() *fakeBidRepo {
	return &fakeBidRepo{bids: make(map[string]*model.AuctionBid)}
}

func (r *fakeBidRepo) Create(ctx context.Context, bid *model.AuctionBid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *bid
	r.bids[bid.BidID] = &cp
	return nil
}

func (r *fakeBidRepo) GetByBidID(ctx context.Context, bidID string) (*model.AuctionBid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bid, ok := r.bids[bidID]
	if !ok {
		return nil, repository.ErrBidNotFound
	}
	cp := *bid
	return &cp, nil
}

func (r *fakeBidRepo) GetHighestActive(ctx context.Context, listingID string) (*model.AuctionBid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var highest *model.AuctionBid
	for _, bid := range r.bids {
		if bid.ListingID != listingID || bid.Status != model.BidStatusActive {
			continue
		}
		if highest == nil || bid.Amount.GreaterThan(highest.Amount) {
			highest = bid
		}
	}
	if highest == nil {
		return nil, repository.ErrBidNotFound
	}
	cp := *highest
	return &cp, nil
}

func (r *fakeBidRepo) ListByListing(ctx context.Context, listingID string) ([]*model.AuctionBid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.AuctionBid
	for _, bid := range r.bids {
		if bid.ListingID == listingID {
			cp := *bid
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount.GreaterThan(out[j].Amount) })
	return out, nil
}

func (r *fakeBidRepo) ListByBidder(ctx context.Context, bidderID string, page *repository.Pagination) ([]*model.AuctionBid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.AuctionBid
	for _, bid := range r.bids {
		if bid.BidderID == bidderID {
			cp := *bid
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeBidRepo) UpdateStatus(ctx context.Context, bidID string, oldStatus, newStatus model.BidStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bid, ok := r.bids[bidID]
	if !ok || bid.Status != oldStatus {
		return repository.ErrOptimisticLock
	}
	bid.Status = newStatus
	return nil
}

func (r *fakeBidRepo) MarkLosers(ctx context.Context, listingID string, winnerBidID string) ([]*model.AuctionBid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var losers []*model.AuctionBid
	for _, bid := range r.bids {
		if bid.ListingID == listingID && bid.BidID != winnerBidID && bid.Status == model.BidStatusOutbid {
			bid.Status = model.BidStatusLost
			cp := *bid
			losers = append(losers, &cp)
		}
	}
	return losers, nil
}

type fakeInventoryRepo struct {
	mu          sync.Mutex
	inventories map[string]*model.CreditInventory
}

func newFakeInventoryRepo() *fakeInventoryRepo {
	return &fakeInventoryRepo{inventories: make(map[string]*model.CreditInventory)}
}

func (r *fakeInventoryRepo) Create(ctx context.Context, inventory *model.CreditInventory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inventories[inventory.CreditID]; ok {
		return repository.ErrInventoryAlreadyExists
	}
	cp := *inventory
	r.inventories[inventory.CreditID] = &cp
	return nil
}

func (r *fakeInventoryRepo) GetByCreditID(ctx context.Context, creditID string) (*model.CreditInventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.inventories[creditID]
	if !ok {
		return nil, repository.ErrInventoryNotFound
	}
	cp := *inv
	return &cp, nil
}

func (r *fakeInventoryRepo) GetByCreditIDForUpdate(ctx context.Context, creditID string) (*model.CreditInventory, error) {
	return r.GetByCreditID(ctx, creditID)
}

func (r *fakeInventoryRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.CreditInventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.CreditInventory
	for _, inv := range r.inventories {
		if inv.OwnerID == ownerID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeInventoryRepo) MoveAvailableToListed(ctx context.Context, creditID string, quantity decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.inventories[creditID]
	if !ok || inv.Available.LessThan(quantity) {
		return repository.ErrInsufficientInventory
	}
	inv.Available = inv.Available.Sub(quantity)
	inv.Listed = inv.Listed.Add(quantity)
	inv.Version++
	return nil
}

func (r *fakeInventoryRepo) ReturnListedToAvailable(ctx context.Context, creditID string, quantity decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.inventories[creditID]
	if !ok || inv.Listed.LessThan(quantity) {
		return repository.ErrInsufficientInventory
	}
	inv.Listed = inv.Listed.Sub(quantity)
	inv.Available = inv.Available.Add(quantity)
	inv.Version++
	return nil
}

func (r *fakeInventoryRepo) CommitSale(ctx context.Context, creditID string, quantity decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.inventories[creditID]
	if !ok || inv.Listed.LessThan(quantity) {
		return repository.ErrInsufficientInventory
	}
	inv.Listed = inv.Listed.Sub(quantity)
	inv.Total = inv.Total.Sub(quantity)
	inv.SoldQuantity = inv.SoldQuantity.Add(quantity)
	inv.Version++
	return nil
}

type fakeTransactionRepo struct {
	mu        sync.Mutex
	byID      map[string]*model.Transaction
	byListing map[string]*model.Transaction
}

func newFakeTransactionRepo() *fakeTransactionRepo {
	return &fakeTransactionRepo{
		byID:      make(map[string]*model.Transaction),
		byListing: make(map[string]*model.Transaction),
	}
}

func (r *fakeTransactionRepo) Create(ctx context.Context, txn *model.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byListing[txn.ListingID]; ok {
		return repository.ErrTransactionAlreadyExists
	}
	cp := *txn
	r.byID[txn.TransactionID] = &cp
	r.byListing[txn.ListingID] = &cp
	return nil
}

func (r *fakeTransactionRepo) GetByTransactionID(ctx context.Context, transactionID string) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.byID[transactionID]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (r *fakeTransactionRepo) GetByListingID(ctx context.Context, listingID string) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.byListing[listingID]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (r *fakeTransactionRepo) ListByUser(ctx context.Context, userID string, page *repository.Pagination) ([]*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Transaction
	for _, txn := range r.byID {
		if txn.BuyerID == userID || txn.SellerID == userID {
			cp := *txn
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeTransactionRepo) MarkCompleted(ctx context.Context, transactionID string, completedAt int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.byID[transactionID]
	if !ok {
		return repository.ErrTransactionNotFound
	}
	if txn.Status != model.TransactionStatusPending {
		return repository.ErrOptimisticLock
	}
	txn.Status = model.TransactionStatusCompleted
	txn.CompletedAt = completedAt
	return nil
}

func (r *fakeTransactionRepo) MarkFailed(ctx context.Context, transactionID string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.byID[transactionID]
	if !ok {
		return repository.ErrTransactionNotFound
	}
	if txn.Status != model.TransactionStatusPending {
		return repository.ErrOptimisticLock
	}
	txn.Status = model.TransactionStatusFailed
	txn.FailureReason = reason
	return nil
}

// fakeWallet 同时充当余额查询和结算提交的钱包假实现
type fakeWallet struct {
	mu            sync.Mutex
	balances      map[string]decimal.Decimal
	payments      []string // 已提交扣款的 reference_id
	credits       []string // 已入账卖家的 reference_id
	rejectPayment bool
	paymentErr    error
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{balances: make(map[string]decimal.Decimal)}
}

func (w *fakeWallet) setBalance(userID string, amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[userID] = amount
}

func (w *fakeWallet) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID], nil
}

func (w *fakeWallet) CommitPayment(ctx context.Context, userID string, amount decimal.Decimal, referenceID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paymentErr != nil {
		return false, w.paymentErr
	}
	if w.rejectPayment {
		return false, nil
	}
	w.payments = append(w.payments, referenceID)
	return true, nil
}

func (w *fakeWallet) CreditSeller(ctx context.Context, userID string, amount decimal.Decimal, referenceID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.credits = append(w.credits, referenceID)
	return true, nil
}

// fakeNotifier 记录发出的通知
type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string // "userID:kind"
	kinds map[string]int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{kinds: make(map[string]int)}
}

func (n *fakeNotifier) Notify(ctx context.Context, userID, kind string, payload map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, userID+":"+kind)
	n.kinds[kind]++
}

func (n *fakeNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.kinds[kind]
}

// recordingPublisher 记录发布的集成事件
type recordingPublisher struct {
	mu               sync.Mutex
	auctionCompleted []string // listing_id
	auctionNoBids    []string
	inventoryUpdates []string // credit_id
	err              error
}

func (p *recordingPublisher) PublishAuctionCompleted(ctx context.Context, listing *model.Listing, winningBid *model.AuctionBid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.auctionCompleted = append(p.auctionCompleted, listing.ListingID)
	return nil
}

func (p *recordingPublisher) PublishAuctionCompletedWithoutBids(ctx context.Context, listing *model.Listing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.auctionNoBids = append(p.auctionNoBids, listing.ListingID)
	return nil
}

func (p *recordingPublisher) PublishInventoryUpdate(ctx context.Context, inventory *model.CreditInventory) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.inventoryUpdates = append(p.inventoryUpdates, inventory.CreditID)
	return nil
}

// fakeSettler 记录结算调用
type fakeSettler struct {
	mu      sync.Mutex
	settled []string // listing_id
	err     error
}

func (s *fakeSettler) SettleAuctionSale(ctx context.Context, listing *model.Listing, winningBid *model.AuctionBid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.settled = append(s.settled, listing.ListingID)
	return nil
}

// serviceEnv 服务层测试环境
type serviceEnv struct {
	repo        *repository.Repository
	listingRepo *fakeListingRepo
	bidRepo     *fakeBidRepo
	invRepo     *fakeInventoryRepo
	txnRepo     *fakeTransactionRepo
	ledger      cache.LedgerRepository
	balance     BalanceService
	wallet      *fakeWallet
	notifier    *fakeNotifier
	publisher   *recordingPublisher
	settler     *fakeSettler
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	// 事务包装需要真实数据库连接, 假仓储不触达它
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	wallet := newFakeWallet()
	env := &serviceEnv{
		repo:        repository.NewRepository(db),
		listingRepo: newFakeListingRepo(),
		bidRepo:     newFakeBidRepo(),
		invRepo:     newFakeInventoryRepo(),
		txnRepo:     newFakeTransactionRepo(),
		ledger:      cache.NewLedgerRepository(rdb),
		wallet:      wallet,
		notifier:    newFakeNotifier(),
		publisher:   &recordingPublisher{},
		settler:     &fakeSettler{},
	}
	env.balance = NewBalanceService(env.ledger, wallet)
	return env
}

func (e *serviceEnv) newBiddingService() BiddingService {
	return NewBiddingService(e.repo, e.listingRepo, e.bidRepo, e.invRepo, e.balance, e.publisher, e.settler, e.notifier)
}

func (e *serviceEnv) newSettlementService() SettlementService {
	return NewSettlementService(e.repo, e.listingRepo, e.txnRepo, e.invRepo, e.balance, e.wallet, e.publisher, e.notifier)
}

func (e *serviceEnv) newListingService() ListingService {
	return NewListingService(e.repo, e.listingRepo, e.bidRepo, e.invRepo, e.balance, e.publisher, e.notifier)
}
