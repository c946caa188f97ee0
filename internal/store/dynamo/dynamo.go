package dynamo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/loykin/statusd/internal/store"
)

const batchSize = 25 // BatchWriteItem limit

// item is the table row. client_name is the partition key, so uniqueness is
// enforced by the table itself regardless of UniqueClientName.
type item struct {
	ClientName string `dynamodbav:"client_name"`
	ID         string `dynamodbav:"id"`
	Opened     bool   `dynamodbav:"opened"`
	Timestamp  string `dynamodbav:"timestamp"`
}

// DB implements store.Backend on a single DynamoDB table.
type DB struct {
	Client    *dynamodb.Client
	TableName string
}

// New builds a client from a URL of the form
//
//	dynamodb://<region>[?endpoint=http://localhost:8000]
//
// Credentials come from the default AWS chain. The table is named
// "<database>_<collection>", or just the collection when no database is set.
func New(ctx context.Context, rawURL string, opts store.Options) (*DB, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse dynamodb url: %w", err)
	}
	region := u.Host
	if region == "" {
		return nil, errors.New("dynamodb url must name a region, e.g. dynamodb://us-east-1")
	}
	table := opts.CollectionName()
	if opts.Database != "" {
		table = opts.Database + "_" + table
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(u.Query().Get("endpoint"))
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &DB{Client: client, TableName: table}, nil
}

func (d *DB) Ping(ctx context.Context) error {
	_, err := d.Client.ListTables(ctx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)})
	return err
}

func (d *DB) EnsureSchema(ctx context.Context) error {
	_, err := d.Client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.TableName)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table %s: %w", d.TableName, err)
	}
	_, err = d.Client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.TableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("client_name"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("client_name"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", d.TableName, err)
	}
	waiter := dynamodb.NewTableExistsWaiter(d.Client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.TableName)}, 2*time.Minute)
}

func (d *DB) FindByClientName(ctx context.Context, name string) (store.Record, error) {
	out, err := d.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.TableName),
		Key:            keyOf(name),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to get item: %w", err)
	}
	if out.Item == nil {
		return store.Record{}, store.ErrNotFound
	}
	return unmarshalRecord(out.Item)
}

func (d *DB) Insert(ctx context.Context, rec store.Record) error {
	av, err := attributevalue.MarshalMap(item{
		ClientName: rec.ClientName,
		ID:         rec.ID,
		Opened:     rec.Opened,
		Timestamp:  store.FormatTimestamp(rec.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	_, err = d.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.TableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(client_name)"),
	})
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, rec.ClientName)
	}
	if err != nil {
		return fmt.Errorf("failed to put item: %w", err)
	}
	return nil
}

func (d *DB) List(ctx context.Context, limit int) ([]store.Record, error) {
	out := make([]store.Record, 0)
	p := dynamodb.NewScanPaginator(d.Client, &dynamodb.ScanInput{TableName: aws.String(d.TableName)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		for _, it := range page.Items {
			r, err := unmarshalRecord(it)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (d *DB) DeleteAll(ctx context.Context) (int64, error) {
	var deleted int64
	p := dynamodb.NewScanPaginator(d.Client, &dynamodb.ScanInput{
		TableName:            aws.String(d.TableName),
		ProjectionExpression: aws.String("client_name"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to scan table: %w", err)
		}
		for start := 0; start < len(page.Items); start += batchSize {
			end := min(start+batchSize, len(page.Items))
			reqs := make([]types.WriteRequest, 0, end-start)
			for _, it := range page.Items[start:end] {
				reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{"client_name": it["client_name"]},
				}})
			}
			if err := d.writeBatch(ctx, reqs); err != nil {
				return deleted, err
			}
			deleted += int64(len(reqs))
		}
	}
	return deleted, nil
}

// writeBatch resubmits unprocessed items until the batch drains; throttled
// batches are part of the BatchWriteItem contract, not a failure.
func (d *DB) writeBatch(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{d.TableName: reqs}
	for len(pending[d.TableName]) > 0 {
		out, err := d.Client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("failed to batch delete: %w", err)
		}
		pending = out.UnprocessedItems
		if len(pending[d.TableName]) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return nil
}

func (d *DB) Close() error { return nil }

func keyOf(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"client_name": &types.AttributeValueMemberS{Value: name},
	}
}

func unmarshalRecord(av map[string]types.AttributeValue) (store.Record, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return store.Record{}, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	ts, err := store.ParseTimestamp(it.Timestamp)
	if err != nil {
		return store.Record{}, fmt.Errorf("record %s: bad timestamp %q: %w", it.ID, it.Timestamp, err)
	}
	return store.Record{ID: it.ID, ClientName: it.ClientName, Opened: it.Opened, Timestamp: ts}, nil
}
