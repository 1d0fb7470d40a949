package storage

import (
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// MockDynamoDBAPI implements the parts of dynamodbiface.DynamoDBAPI used by
// the DynamoDB stores. It understands the simple equality, existence and SET
// expressions produced by the expression builder.
type MockDynamoDBAPI struct {
	dynamodbiface.DynamoDBAPI
	mu     sync.RWMutex
	tables map[string]*MockTable

	// BeforeTransact, when set, runs before a transaction is evaluated.
	// Tests use it to inject a concurrent writer.
	BeforeTransact func()
}

// MockTable represents a DynamoDB table in memory
type MockTable struct {
	Name         string
	Items        map[string]map[string]*dynamodb.AttributeValue
	Indexes      map[string]*MockIndex
	BillingMode  string
	TableStatus  string
	KeySchema    []*dynamodb.KeySchemaElement
	AttributeDef []*dynamodb.AttributeDefinition
}

// MockIndex represents a Global Secondary Index
type MockIndex struct {
	Name      string
	KeySchema []*dynamodb.KeySchemaElement
}

// NewMockDynamoDBAPI creates a new mock DynamoDB client
func NewMockDynamoDBAPI() *MockDynamoDBAPI {
	return &MockDynamoDBAPI{
		tables: make(map[string]*MockTable),
	}
}

// CreateTable creates a mock table
func (m *MockDynamoDBAPI) CreateTable(input *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tableName := aws.StringValue(input.TableName)
	if _, exists := m.tables[tableName]; exists {
		return nil, awserr.New(dynamodb.ErrCodeResourceInUseException, "table already exists: "+tableName, nil)
	}

	indexes := make(map[string]*MockIndex)
	for _, gsi := range input.GlobalSecondaryIndexes {
		indexName := aws.StringValue(gsi.IndexName)
		indexes[indexName] = &MockIndex{Name: indexName, KeySchema: gsi.KeySchema}
	}

	m.tables[tableName] = &MockTable{
		Name:         tableName,
		Items:        make(map[string]map[string]*dynamodb.AttributeValue),
		Indexes:      indexes,
		BillingMode:  aws.StringValue(input.BillingMode),
		TableStatus:  "ACTIVE",
		KeySchema:    input.KeySchema,
		AttributeDef: input.AttributeDefinitions,
	}

	return &dynamodb.CreateTableOutput{
		TableDescription: &dynamodb.TableDescription{
			TableName:   input.TableName,
			TableStatus: aws.String("ACTIVE"),
		},
	}, nil
}

// DescribeTable describes a mock table
func (m *MockDynamoDBAPI) DescribeTable(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, exists := m.tables[aws.StringValue(input.TableName)]
	if !exists {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	}

	return &dynamodb.DescribeTableOutput{
		Table: &dynamodb.TableDescription{
			TableName:            aws.String(table.Name),
			TableStatus:          aws.String(table.TableStatus),
			KeySchema:            table.KeySchema,
			AttributeDefinitions: table.AttributeDef,
			BillingModeSummary: &dynamodb.BillingModeSummary{
				BillingMode: aws.String(table.BillingMode),
			},
		},
	}, nil
}

// WaitUntilTableExists returns immediately; mock tables are created active
func (m *MockDynamoDBAPI) WaitUntilTableExists(*dynamodb.DescribeTableInput) error {
	return nil
}

// PutItem puts an item in a mock table
func (m *MockDynamoDBAPI) PutItem(input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}

	key := generateKey(table.KeySchema, input.Item)
	if input.ConditionExpression != nil {
		ok, err := evalCondition(aws.StringValue(input.ConditionExpression), table.Items[key], input.ExpressionAttributeNames, input.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
		}
	}

	table.Items[key] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

// PutItemWithContext puts an item in a mock table
func (m *MockDynamoDBAPI) PutItemWithContext(_ aws.Context, input *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	return m.PutItem(input)
}

// GetItem gets an item from a mock table
func (m *MockDynamoDBAPI) GetItem(input *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}

	item, exists := table.Items[generateKey(table.KeySchema, input.Key)]
	if !exists {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

// GetItemWithContext gets an item from a mock table
func (m *MockDynamoDBAPI) GetItemWithContext(_ aws.Context, input *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	return m.GetItem(input)
}

// Query returns the items whose hash key matches the key condition, ordered
// by the table or index range key
func (m *MockDynamoDBAPI) Query(input *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, err := m.table(input.TableName)
	if err != nil {
		return nil, err
	}

	keySchema := table.KeySchema
	if input.IndexName != nil {
		index, exists := table.Indexes[aws.StringValue(input.IndexName)]
		if !exists {
			return nil, fmt.Errorf("index not found: %s", aws.StringValue(input.IndexName))
		}
		keySchema = index.KeySchema
	}

	var hashName, rangeName string
	for _, k := range keySchema {
		switch aws.StringValue(k.KeyType) {
		case "HASH":
			hashName = aws.StringValue(k.AttributeName)
		case "RANGE":
			rangeName = aws.StringValue(k.AttributeName)
		}
	}

	name, value, err := parseEquality(aws.StringValue(input.KeyConditionExpression), input.ExpressionAttributeNames, input.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if name != hashName {
		return nil, fmt.Errorf("key condition must be on hash key %s, got %s", hashName, name)
	}

	var resultItems []map[string]*dynamodb.AttributeValue
	for _, item := range table.Items {
		if attributesEqual(item[hashName], value) {
			resultItems = append(resultItems, copyItem(item))
		}
	}

	if rangeName != "" {
		forward := input.ScanIndexForward == nil || aws.BoolValue(input.ScanIndexForward)
		sort.SliceStable(resultItems, func(i, j int) bool {
			less := compareAttributes(resultItems[i][rangeName], resultItems[j][rangeName]) < 0
			if forward {
				return less
			}
			return compareAttributes(resultItems[i][rangeName], resultItems[j][rangeName]) > 0
		})
	}

	if input.Limit != nil {
		limit := int(aws.Int64Value(input.Limit))
		if limit < len(resultItems) {
			resultItems = resultItems[:limit]
		}
	}

	return &dynamodb.QueryOutput{
		Items: resultItems,
		Count: aws.Int64(int64(len(resultItems))),
	}, nil
}

// QueryWithContext queries a mock table or index
func (m *MockDynamoDBAPI) QueryWithContext(_ aws.Context, input *dynamodb.QueryInput, _ ...request.Option) (*dynamodb.QueryOutput, error) {
	return m.Query(input)
}

// TransactWriteItems applies all writes or none. Any failed condition
// cancels the whole transaction.
func (m *MockDynamoDBAPI) TransactWriteItems(input *dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
	if m.BeforeTransact != nil {
		m.BeforeTransact()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	canceled := func() error {
		return awserr.New(dynamodb.ErrCodeTransactionCanceledException,
			"Transaction cancelled, please refer cancellation reasons for specific reasons [ConditionalCheckFailed]", nil)
	}

	// Evaluate every condition before touching any table.
	for _, ti := range input.TransactItems {
		switch {
		case ti.Put != nil:
			table, err := m.table(ti.Put.TableName)
			if err != nil {
				return nil, err
			}
			if ti.Put.ConditionExpression != nil {
				ok, err := evalCondition(aws.StringValue(ti.Put.ConditionExpression), table.Items[generateKey(table.KeySchema, ti.Put.Item)], ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, canceled()
				}
			}
		case ti.Update != nil:
			table, err := m.table(ti.Update.TableName)
			if err != nil {
				return nil, err
			}
			if ti.Update.ConditionExpression != nil {
				ok, err := evalCondition(aws.StringValue(ti.Update.ConditionExpression), table.Items[generateKey(table.KeySchema, ti.Update.Key)], ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, canceled()
				}
			}
		default:
			return nil, fmt.Errorf("unsupported transact item")
		}
	}

	for _, ti := range input.TransactItems {
		if ti.Put != nil {
			table, _ := m.table(ti.Put.TableName)
			table.Items[generateKey(table.KeySchema, ti.Put.Item)] = ti.Put.Item
			continue
		}

		table, _ := m.table(ti.Update.TableName)
		key := generateKey(table.KeySchema, ti.Update.Key)
		item := copyItem(table.Items[key])
		if item == nil {
			item = copyItem(ti.Update.Key)
		}
		if err := applyUpdate(aws.StringValue(ti.Update.UpdateExpression), item, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues); err != nil {
			return nil, err
		}
		table.Items[key] = item
	}

	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// TransactWriteItemsWithContext applies a write transaction
func (m *MockDynamoDBAPI) TransactWriteItemsWithContext(_ aws.Context, input *dynamodb.TransactWriteItemsInput, _ ...request.Option) (*dynamodb.TransactWriteItemsOutput, error) {
	return m.TransactWriteItems(input)
}

// SetAttribute overwrites one attribute of an existing item. Tests use it to
// simulate a write that happened outside the store.
func (m *MockDynamoDBAPI) SetAttribute(tableName string, key map[string]*dynamodb.AttributeValue, name string, value *dynamodb.AttributeValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(aws.String(tableName))
	if err != nil {
		return err
	}
	k := generateKey(table.KeySchema, key)
	item, ok := table.Items[k]
	if !ok {
		return fmt.Errorf("item not found in %s", tableName)
	}
	item = copyItem(item)
	item[name] = value
	table.Items[k] = item
	return nil
}

// table must be called with mu held
func (m *MockDynamoDBAPI) table(name *string) (*MockTable, error) {
	table, exists := m.tables[aws.StringValue(name)]
	if !exists {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "table not found: "+aws.StringValue(name), nil)
	}
	return table, nil
}

// generateKey generates a composite key from key schema and item attributes
func generateKey(keySchema []*dynamodb.KeySchemaElement, item map[string]*dynamodb.AttributeValue) string {
	var keyParts []string
	for _, keyElement := range keySchema {
		if attr, exists := item[aws.StringValue(keyElement.AttributeName)]; exists {
			if attr.S != nil {
				keyParts = append(keyParts, aws.StringValue(attr.S))
			} else if attr.N != nil {
				keyParts = append(keyParts, aws.StringValue(attr.N))
			}
		}
	}
	return strings.Join(keyParts, "#")
}

func copyItem(item map[string]*dynamodb.AttributeValue) map[string]*dynamodb.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]*dynamodb.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

var (
	equalityPattern  = regexp.MustCompile(`^\(?\s*(#\w+)\s*=\s*(:\w+)\s*\)?$`)
	notExistsPattern = regexp.MustCompile(`^\(?\s*attribute_not_exists\s*\(\s*(#\w+)\s*\)\s*\)?$`)
	existsPattern    = regexp.MustCompile(`^\(?\s*attribute_exists\s*\(\s*(#\w+)\s*\)\s*\)?$`)
	assignPattern    = regexp.MustCompile(`^\s*(#\w+)\s*=\s*(:\w+)\s*$`)
)

func parseEquality(expr string, names map[string]*string, values map[string]*dynamodb.AttributeValue) (string, *dynamodb.AttributeValue, error) {
	match := equalityPattern.FindStringSubmatch(strings.TrimSpace(expr))
	if match == nil {
		return "", nil, fmt.Errorf("unsupported expression: %q", expr)
	}
	return aws.StringValue(names[match[1]]), values[match[2]], nil
}

func evalCondition(expr string, item map[string]*dynamodb.AttributeValue, names map[string]*string, values map[string]*dynamodb.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if match := notExistsPattern.FindStringSubmatch(expr); match != nil {
		_, exists := item[aws.StringValue(names[match[1]])]
		return !exists, nil
	}
	if match := existsPattern.FindStringSubmatch(expr); match != nil {
		_, exists := item[aws.StringValue(names[match[1]])]
		return exists, nil
	}
	name, value, err := parseEquality(expr, names, values)
	if err != nil {
		return false, err
	}
	return attributesEqual(item[name], value), nil
}

func applyUpdate(expr string, item map[string]*dynamodb.AttributeValue, names map[string]*string, values map[string]*dynamodb.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("unsupported update expression: %q", expr)
	}
	for _, clause := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		match := assignPattern.FindStringSubmatch(clause)
		if match == nil {
			return fmt.Errorf("unsupported update clause: %q", clause)
		}
		item[aws.StringValue(names[match[1]])] = values[match[2]]
	}
	return nil
}

func attributesEqual(a, b *dynamodb.AttributeValue) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.S != nil || b.S != nil {
		return a.S != nil && b.S != nil && *a.S == *b.S
	}
	if a.N != nil || b.N != nil {
		return a.N != nil && b.N != nil && compareAttributes(a, b) == 0
	}
	return false
}

func compareAttributes(a, b *dynamodb.AttributeValue) int {
	if a == nil || b == nil {
		return 0
	}
	if a.N != nil && b.N != nil {
		x, okX := new(big.Rat).SetString(*a.N)
		y, okY := new(big.Rat).SetString(*b.N)
		if okX && okY {
			return x.Cmp(y)
		}
		return strings.Compare(*a.N, *b.N)
	}
	return strings.Compare(aws.StringValue(a.S), aws.StringValue(b.S))
}
