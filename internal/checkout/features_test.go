package checkout_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cucumber/godog"

	"github.com/mmeshcher/zipos-register/internal/checkout"
	"github.com/mmeshcher/zipos-register/internal/customer"
	"github.com/mmeshcher/zipos-register/internal/ledger"
	"github.com/mmeshcher/zipos-register/internal/model"
	"github.com/mmeshcher/zipos-register/internal/money"
	"github.com/mmeshcher/zipos-register/internal/store"
	"github.com/mmeshcher/zipos-register/internal/store/memory"
)

type registerContext struct {
	store  *memory.Store
	ledger *ledger.Ledger
	engine *checkout.Engine

	first  *checkout.Session
	second *checkout.Session
	sale   *model.Transaction
	err    error
}

func (c *registerContext) reset() {
	c.store = memory.New()
	c.ledger = ledger.New(c.store, ledger.Config{StoreID: "s1"}, nil)
	c.engine = nil
	c.first, c.second, c.sale, c.err = nil, nil, nil, nil
}

func (c *registerContext) aCustomerWithLoyalty(ctx context.Context, id string, points string) error {
	c.engine = checkout.NewEngine(c.store, c.ledger, nil, checkout.Config{
		StoreID:    "s1",
		RegisterID: "r1",
		Loyalty:    customer.Policy{LoyaltyEnabled: true, PointsPerUnit: money.MustRate(points)},
	}, nil)
	c.first = c.engine.NewSession("cashier-1")
	c.second = c.engine.NewSession("cashier-2")

	return c.store.InTx(ctx, func(tx store.Tx) error {
		return tx.PutCustomer(ctx, &model.Customer{ID: id, Name: "customer " + id})
	})
}

func (c *registerContext) aProduct(ctx context.Context, id, price, rate string, stock, minLevel int) error {
	return c.store.InTx(ctx, func(tx store.Tx) error {
		return tx.PutProduct(ctx, &model.Product{
			ID:            id,
			Name:          "product " + id,
			Price:         money.MustParse(price),
			TaxRate:       money.MustRate(rate),
			StockQuantity: stock,
			MinStockLevel: minLevel,
		})
	})
}

func (c *registerContext) cashierAdds(ctx context.Context, qty int, productID string) error {
	return c.first.AddItem(ctx, productID, qty)
}

func (c *registerContext) secondCashierAdds(ctx context.Context, qty int, productID string) error {
	return c.second.AddItem(ctx, productID, qty)
}

func (c *registerContext) cashierSelectsCustomer(ctx context.Context, id string) error {
	return c.first.SetCustomer(ctx, id)
}

func (c *registerContext) cashierStartsCheckout(ctx context.Context) error {
	_, c.err = c.first.BeginCheckout(ctx)
	return nil
}

func (c *registerContext) secondCashierStartsCheckout(ctx context.Context) error {
	_, c.err = c.second.BeginCheckout(ctx)
	return nil
}

func (c *registerContext) checkoutSucceeds() error {
	return c.err
}

func (c *registerContext) checkoutFailsWithInsufficientStock() error {
	if !errors.Is(c.err, model.ErrInsufficientStock) {
		return fmt.Errorf("expected insufficient stock, got %v", c.err)
	}
	return nil
}

func (c *registerContext) cashierPaysCash(ctx context.Context, amount string) error {
	if c.err != nil {
		return c.err
	}
	c.sale, c.err = c.first.ConfirmPayment(ctx, checkout.PaymentRequest{
		Method: model.PaymentMethodCash,
		Amount: money.MustParse(amount),
	})
	return nil
}

func (c *registerContext) cashierCancels() error {
	return c.first.Cancel()
}

func (c *registerContext) saleIsCompleted() error {
	if c.err != nil {
		return c.err
	}
	if c.sale == nil || c.sale.Status != model.TransactionStatusCompleted {
		return fmt.Errorf("sale is not completed: %+v", c.sale)
	}
	return nil
}

func (c *registerContext) saleHasTotals(subtotal, tax, total string) error {
	got := [3]string{c.sale.Subtotal.String(), c.sale.TaxAmount.String(), c.sale.TotalAmount.String()}
	if got != [3]string{subtotal, tax, total} {
		return fmt.Errorf("expected totals %s/%s/%s, got %v", subtotal, tax, total, got)
	}
	return nil
}

func (c *registerContext) stockIs(ctx context.Context, productID string, want int) error {
	return c.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if p.StockQuantity != want {
			return fmt.Errorf("expected stock %d of %s, got %d", want, productID, p.StockQuantity)
		}
		return nil
	})
}

func (c *registerContext) alertIsActive(ctx context.Context, alertType, productID string) error {
	alerts, err := c.ledger.ActiveAlerts(ctx)
	if err != nil {
		return err
	}
	for _, a := range alerts {
		if a.ProductID == productID && string(a.AlertType) == alertType {
			return nil
		}
	}
	return fmt.Errorf("no active %s alert for %s in %+v", alertType, productID, alerts)
}

func (c *registerContext) customerHas(ctx context.Context, id string, points int64, balance string) error {
	return c.store.InTx(ctx, func(tx store.Tx) error {
		cust, err := tx.GetCustomer(ctx, id)
		if err != nil {
			return err
		}
		if cust.LoyaltyPoints != points || cust.Balance.String() != balance {
			return fmt.Errorf("expected %d points and balance %s, got %d and %s",
				points, balance, cust.LoyaltyPoints, cust.Balance)
		}
		return nil
	})
}

func (c *registerContext) noTransactionIsPersisted(ctx context.Context) error {
	return c.store.InTx(ctx, func(tx store.Tx) error {
		for _, status := range []model.TransactionStatus{
			model.TransactionStatusInProgress,
			model.TransactionStatusCompleted,
		} {
			found, err := tx.ListTransactionsByStatus(ctx, status)
			if err != nil {
				return err
			}
			if len(found) > 0 {
				return fmt.Errorf("unexpected %s transactions: %d", status, len(found))
			}
		}
		return nil
	})
}

func (c *registerContext) syncQueueIsEmpty(ctx context.Context) error {
	return c.store.InTx(ctx, func(tx store.Tx) error {
		counts, err := tx.CountQueueByStatus(ctx)
		if err != nil {
			return err
		}
		for status, n := range counts {
			if n > 0 {
				return fmt.Errorf("queue has %d %s entries", n, status)
			}
		}
		return nil
	})
}

func InitializeScenario(sc *godog.ScenarioContext) {
	rc := &registerContext{}

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		rc.reset()
		return ctx, nil
	})

	// Given
	sc.Step(`^a customer "([^"]*)" with loyalty of (\d+) points? per unit$`, rc.aCustomerWithLoyalty)
	sc.Step(`^a product "([^"]*)" priced (\d+\.\d{2}) with tax (\d+\.\d+), stock (\d+) and minimum level (\d+)$`, rc.aProduct)

	// When
	sc.Step(`^the cashier adds (\d+) of "([^"]*)" to the cart$`, rc.cashierAdds)
	sc.Step(`^a second cashier adds (\d+) of "([^"]*)" to the cart$`, rc.secondCashierAdds)
	sc.Step(`^the cashier selects customer "([^"]*)"$`, rc.cashierSelectsCustomer)
	sc.Step(`^the cashier starts checkout$`, rc.cashierStartsCheckout)
	sc.Step(`^the second cashier starts checkout$`, rc.secondCashierStartsCheckout)
	sc.Step(`^the cashier pays (\d+\.\d{2}) in cash$`, rc.cashierPaysCash)
	sc.Step(`^the cashier cancels$`, rc.cashierCancels)

	// Then
	sc.Step(`^checkout succeeds$`, rc.checkoutSucceeds)
	sc.Step(`^checkout fails with insufficient stock$`, rc.checkoutFailsWithInsufficientStock)
	sc.Step(`^the sale is completed$`, rc.saleIsCompleted)
	sc.Step(`^the sale has subtotal (\d+\.\d{2}), tax (\d+\.\d{2}) and total (\d+\.\d{2})$`, rc.saleHasTotals)
	sc.Step(`^the stock of "([^"]*)" is (\d+)$`, rc.stockIs)
	sc.Step(`^an "([^"]*)" alert is active for "([^"]*)"$`, rc.alertIsActive)
	sc.Step(`^customer "([^"]*)" has (\d+) points and balance (\d+\.\d{2})$`, rc.customerHas)
	sc.Step(`^no transaction is persisted$`, rc.noTransactionIsPersisted)
	sc.Step(`^the sync queue is empty$`, rc.syncQueueIsEmpty)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
