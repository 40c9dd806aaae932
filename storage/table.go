package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

const tablePartition = "matrix"

// TableKV persists keys in an Azure Storage table, one entity per key. It is
// the backend for hosted deployments; RedisKV covers everything else.
type TableKV struct {
	client *aztables.Client
}

// NewTableKV creates a TableKV from the given connection string and table.
func NewTableKV(connStr, table string) (*TableKV, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableKV{client: svc.NewClient(table)}, nil
}

type kvEntity struct {
	aztables.Entity
	Value string `json:"Value"`
}

func (t *TableKV) Get(ctx context.Context, key string) (string, error) {
	resp, err := t.client.GetEntity(ctx, tablePartition, key, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	var ent kvEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return "", err
	}
	return ent.Value, nil
}

func (t *TableKV) Set(ctx context.Context, key, value string) error {
	ent := kvEntity{
		Entity: aztables.Entity{PartitionKey: tablePartition, RowKey: key},
		Value:  value,
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := t.client.UpsertEntity(ctx, data, nil); err != nil {
		if statusCode(err) == http.StatusRequestEntityTooLarge {
			return ErrStoreFull
		}
		return err
	}
	return nil
}

func (t *TableKV) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := t.client.DeleteEntity(ctx, tablePartition, key, nil); err != nil {
			if statusCode(err) == http.StatusNotFound {
				continue
			}
			return err
		}
	}
	return nil
}

func (t *TableKV) Exists(ctx context.Context, key string) (bool, error) {
	_, err := t.client.GetEntity(ctx, tablePartition, key, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}
