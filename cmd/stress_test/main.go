package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-movement/internal/adapter/handler"
	"github.com/rl1809/stock-movement/internal/adapter/storage"
	"github.com/rl1809/stock-movement/internal/core/domain"
	"github.com/rl1809/stock-movement/internal/core/service"
)

const (
	initialStock  = 20
	totalRequests = 50
)

// withdrawFunc performs one withdrawal of a single unit.
type withdrawFunc func(ctx context.Context, userID int) error

type results struct {
	success   atomic.Int32
	conflict  atomic.Int32
	exhausted atomic.Int32
	failed    atomic.Int32
}

// Runs against a server when TARGET_URL is set (e.g. http://localhost:8080),
// otherwise in-process on the memory store, locked through Redis when
// REDIS_ADDR is set.
func main() {
	ctx := context.Background()

	var (
		withdraw  withdrawFunc
		remaining func(ctx context.Context) (int64, error)
		mode      string
	)
	if target := os.Getenv("TARGET_URL"); target != "" {
		withdraw, remaining = remoteTarget(ctx, target)
		mode = "remote " + target
	} else {
		withdraw, remaining, mode = localTarget(ctx)
	}

	var res results
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(userID int) {
			defer wg.Done()

			err := withdraw(ctx, userID)
			switch {
			case err == nil:
				res.success.Add(1)
			case errors.Is(err, service.ErrConflict):
				res.conflict.Add(1)
			case errors.Is(err, service.ErrInsufficientStock):
				res.exhausted.Add(1)
			default:
				res.failed.Add(1)
				log.Printf("user-%d: %v", userID, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	final, err := remaining(ctx)
	if err != nil {
		log.Fatalf("failed to read final stock: %v", err)
	}

	success := res.success.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Mode:             %s\n", mode)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Conflicts:        %d\n", res.conflict.Load())
	fmt.Printf("Out of stock:     %d\n", res.exhausted.Load())
	fmt.Printf("Errors:           %d\n", res.failed.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Printf("Final Stock:      %d\n", final)
	fmt.Println("==========================================")

	// Assertions
	if final == int64(initialStock)-int64(success) && final >= 0 {
		fmt.Println("PASS: every recorded withdrawal is reflected in the stock")
	} else {
		fmt.Printf("FAIL: expected stock %d after %d withdrawals, got %d\n",
			int64(initialStock)-int64(success), success, final)
	}
}

func localTarget(ctx context.Context) (withdrawFunc, func(context.Context) (int64, error), string) {
	mode := "in-process"
	var opts []service.Option

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		opts = append(opts, service.WithItemLocker(storage.NewRedisAdapter(rdb, 5*time.Second)))
		mode += " with redis lock"
	}

	svc := service.NewMovementService(storage.NewMemoryAdapter(), opts...)
	itemID, err := svc.ReceiveStock(ctx, service.ReceiveRequest{
		LocationID: "stress-site",
		Kind:       domain.KindMaterial,
		Name:       "Cable UTP",
		Quantity:   initialStock,
	})
	if err != nil {
		log.Fatalf("failed to seed stock: %v", err)
	}

	withdraw := func(ctx context.Context, userID int) error {
		_, err := svc.ExecuteMovement(ctx, service.MovementRequest{
			SourceItemID: itemID,
			Quantity:     1,
			ActorID:      fmt.Sprintf("user-%d", userID),
		})
		return err
	}
	remaining := func(ctx context.Context) (int64, error) {
		item, err := svc.GetItem(ctx, itemID)
		if err != nil {
			return 0, err
		}
		return item.Quantity(), nil
	}
	return withdraw, remaining, mode
}

func remoteTarget(ctx context.Context, target string) (withdrawFunc, func(context.Context) (int64, error)) {
	client := resty.New().
		SetBaseURL(target).
		SetTimeout(10 * time.Second)

	var created struct {
		ID string `json:"id"`
	}
	resp, err := client.R().SetContext(ctx).
		SetBody(handler.ReceiveHTTPRequest{
			LocationID: "stress-site-" + time.Now().Format("150405"),
			Kind:       domain.KindMaterial.String(),
			Name:       "Cable UTP",
			Quantity:   initialStock,
		}).
		SetResult(&created).
		Post("/api/items")
	if err != nil {
		log.Fatalf("failed to seed stock: %v", err)
	}
	if resp.StatusCode() != http.StatusCreated {
		log.Fatalf("failed to seed stock: %s %s", resp.Status(), resp.String())
	}

	withdraw := func(ctx context.Context, userID int) error {
		var out handler.MovementHTTPResponse
		resp, err := client.R().SetContext(ctx).
			SetBody(handler.MovementHTTPRequest{
				ItemID:   created.ID,
				Quantity: 1,
				ActorID:  fmt.Sprintf("user-%d", userID),
			}).
			SetResult(&out).
			SetError(&out).
			Post("/api/movements")
		if err != nil {
			return err
		}
		switch resp.StatusCode() {
		case http.StatusCreated:
			return nil
		case http.StatusConflict:
			return service.ErrConflict
		case http.StatusUnprocessableEntity:
			return service.ErrInsufficientStock
		default:
			return fmt.Errorf("%s: %s", resp.Status(), out.Message)
		}
	}
	remaining := func(ctx context.Context) (int64, error) {
		var item handler.ItemHTTPResponse
		resp, err := client.R().SetContext(ctx).
			SetResult(&item).
			Get("/api/items/" + created.ID)
		if err != nil {
			return 0, err
		}
		if resp.StatusCode() != http.StatusOK {
			return 0, fmt.Errorf("get item: %s", resp.Status())
		}
		return item.Quantity, nil
	}
	return withdraw, remaining
}
