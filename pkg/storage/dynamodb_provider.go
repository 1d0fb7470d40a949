package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/oklog/ulid/v2"
	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/models"
)

// DynamoDBProvider implements the StorageProvider interface using DynamoDB
type DynamoDBProvider struct {
	client      dynamodbiface.DynamoDBAPI
	ledgerStore *DynamoDBLedgerStore
	runStore    *DynamoDBRunStore
	tablePrefix string
}

// DynamoDBProviderConfig contains configuration for the DynamoDB provider
type DynamoDBProviderConfig struct {
	Region      string
	AccessKey   string
	SecretKey   string
	TablePrefix string
	Endpoint    string // Optional, for local DynamoDB
}

// NewDynamoDBProvider creates a new DynamoDB storage provider
func NewDynamoDBProvider(config DynamoDBProviderConfig) (*DynamoDBProvider, error) {
	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}

	if config.AccessKey != "" && config.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		)
	}

	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewDynamoDBProviderWithClient(dynamodb.New(sess), config.TablePrefix), nil
}

// NewDynamoDBProviderWithClient creates a new DynamoDB storage provider with a custom client
// This is primarily used for testing with mock clients
func NewDynamoDBProviderWithClient(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBProvider {
	return &DynamoDBProvider{
		client:      client,
		ledgerStore: NewDynamoDBLedgerStore(client, tablePrefix),
		runStore:    NewDynamoDBRunStore(client, tablePrefix),
		tablePrefix: tablePrefix,
	}
}

// Initialize sets up the storage backend
func (p *DynamoDBProvider) Initialize() error {
	if err := p.ledgerStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize ledger store: %w", err)
	}

	if err := p.runStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize run store: %w", err)
	}

	return nil
}

// Close cleans up resources
func (p *DynamoDBProvider) Close() error {
	// Nothing to close for DynamoDB client
	return nil
}

// GetLedgerStore returns the credit ledger store
func (p *DynamoDBProvider) GetLedgerStore() credits.LedgerStore {
	return p.ledgerStore
}

// GetRunStore returns a store for run data
func (p *DynamoDBProvider) GetRunStore() RunStore {
	return p.runStore
}

// ensureTable creates a table if it doesn't exist and waits for it
func ensureTable(client dynamodbiface.DynamoDBAPI, input *dynamodb.CreateTableInput) error {
	name := aws.StringValue(input.TableName)

	_, err := client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: input.TableName,
	})
	if err == nil {
		return nil
	}

	if aerr, ok := err.(awserr.Error); !ok || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to check if %s table exists: %w", name, err)
	}

	if input.BillingMode == nil {
		input.BillingMode = aws.String("PAY_PER_REQUEST")
	}
	if _, err := client.CreateTable(input); err != nil {
		return fmt.Errorf("failed to create %s table: %w", name, err)
	}

	if err := client.WaitUntilTableExists(&dynamodb.DescribeTableInput{TableName: input.TableName}); err != nil {
		return fmt.Errorf("failed to wait for %s table creation: %w", name, err)
	}
	return nil
}

func isAWSCode(err error, code string) bool {
	aerr, ok := err.(awserr.Error)
	return ok && aerr.Code() == code
}

// DynamoDBLedgerStore implements credits.LedgerStore using DynamoDB
type DynamoDBLedgerStore struct {
	client        dynamodbiface.DynamoDBAPI
	accountsTable string
	entriesTable  string
}

type accountItem struct {
	AccountID string `dynamodbav:"AccountID"`
	Balance   string `dynamodbav:"Balance"`
	CreatedAt int64  `dynamodbav:"CreatedAt"`
	UpdatedAt int64  `dynamodbav:"UpdatedAt"`
}

type ledgerEntryItem struct {
	AccountID string            `dynamodbav:"AccountID"`
	SortKey   string            `dynamodbav:"SortKey"`
	ID        string            `dynamodbav:"ID"`
	Amount    string            `dynamodbav:"Amount"`
	Type      string            `dynamodbav:"Type"`
	Source    string            `dynamodbav:"Source"`
	CreatedAt int64             `dynamodbav:"CreatedAt"`
	Meta      map[string]string `dynamodbav:"Meta,omitempty"`
}

// ledgerSortKey orders entries by creation time, then id
func ledgerSortKey(createdAt time.Time, id string) string {
	return fmt.Sprintf("%020d#%s", createdAt.UnixNano(), id)
}

// NewDynamoDBLedgerStore creates a new DynamoDB ledger store
func NewDynamoDBLedgerStore(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBLedgerStore {
	return &DynamoDBLedgerStore{
		client:        client,
		accountsTable: tablePrefix + "credit_accounts",
		entriesTable:  tablePrefix + "credit_ledger",
	}
}

// Initialize creates the DynamoDB tables if they don't exist
func (s *DynamoDBLedgerStore) Initialize() error {
	if err := ensureTable(s.client, &dynamodb.CreateTableInput{
		TableName: aws.String(s.accountsTable),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("AccountID"), AttributeType: aws.String("S")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("AccountID"), KeyType: aws.String("HASH")},
		},
	}); err != nil {
		return err
	}

	return ensureTable(s.client, &dynamodb.CreateTableInput{
		TableName: aws.String(s.entriesTable),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("AccountID"), AttributeType: aws.String("S")},
			{AttributeName: aws.String("SortKey"), AttributeType: aws.String("S")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("AccountID"), KeyType: aws.String("HASH")},
			{AttributeName: aws.String("SortKey"), KeyType: aws.String("RANGE")},
		},
	})
}

// CreateAccount creates an account with a zero balance
func (s *DynamoDBLedgerStore) CreateAccount(ctx context.Context, account credits.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}

	av, err := dynamodbattribute.MarshalMap(accountItem{
		AccountID: account.ID,
		Balance:   "0",
		CreatedAt: account.CreatedAt.UnixNano(),
		UpdatedAt: now.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name("AccountID"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.accountsTable),
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if isAWSCode(err, dynamodb.ErrCodeConditionalCheckFailedException) {
			return credits.ErrAccountExists
		}
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *DynamoDBLedgerStore) getAccountItem(ctx context.Context, accountID string) (accountItem, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.accountsTable),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			"AccountID": {S: aws.String(accountID)},
		},
	})
	if err != nil {
		return accountItem{}, fmt.Errorf("failed to get account: %w", err)
	}
	if result.Item == nil {
		return accountItem{}, credits.ErrAccountNotFound
	}

	var item accountItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return accountItem{}, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return item, nil
}

// GetAccount retrieves an account
func (s *DynamoDBLedgerStore) GetAccount(ctx context.Context, accountID string) (credits.Account, error) {
	item, err := s.getAccountItem(ctx, accountID)
	if err != nil {
		return credits.Account{}, err
	}
	balance, ok := credits.ParseAmount(item.Balance)
	if !ok {
		return credits.Account{}, fmt.Errorf("corrupt balance %q for account %s", item.Balance, accountID)
	}
	return credits.Account{
		ID:             item.AccountID,
		CurrentBalance: balance,
		CreatedAt:      time.Unix(0, item.CreatedAt).UTC(),
		UpdatedAt:      time.Unix(0, item.UpdatedAt).UTC(),
	}, nil
}

// ListEntries returns an account's entries in FIFO order
func (s *DynamoDBLedgerStore) ListEntries(ctx context.Context, accountID string) ([]credits.Entry, error) {
	if _, err := s.getAccountItem(ctx, accountID); err != nil {
		return nil, err
	}

	keyCond := expression.Key("AccountID").Equal(expression.Value(accountID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	var entries []credits.Entry
	var startKey map[string]*dynamodb.AttributeValue
	for {
		result, err := s.client.QueryWithContext(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.entriesTable),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(true),
			ConsistentRead:            aws.Bool(true),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query ledger entries: %w", err)
		}

		for _, av := range result.Items {
			var item ledgerEntryItem
			if err := dynamodbattribute.UnmarshalMap(av, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal ledger entry: %w", err)
			}
			amount, ok := credits.ParseAmount(item.Amount)
			if !ok {
				return nil, fmt.Errorf("corrupt amount %q in ledger entry %s", item.Amount, item.ID)
			}
			entries = append(entries, credits.Entry{
				ID:        item.ID,
				AccountID: item.AccountID,
				Amount:    amount,
				Type:      credits.EntryType(item.Type),
				Source:    credits.Source(item.Source),
				CreatedAt: time.Unix(0, item.CreatedAt).UTC(),
				Meta:      item.Meta,
			})
		}

		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		startKey = result.LastEvaluatedKey
	}
	return entries, nil
}

// Append writes entries and balance updates in a single transaction. Each
// balance update is conditioned on the balance that was read, so concurrent
// writers cancel the transaction instead of overwriting each other.
func (s *DynamoDBLedgerStore) Append(ctx context.Context, entries ...credits.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	deltas := credits.SumByAccount(entries)
	accountIDs := make([]string, 0, len(deltas))
	for id := range deltas {
		accountIDs = append(accountIDs, id)
	}
	sort.Strings(accountIDs)

	now := time.Now().UTC().UnixNano()
	items := make([]*dynamodb.TransactWriteItem, 0, len(accountIDs)+len(entries))
	for _, accountID := range accountIDs {
		account, err := s.getAccountItem(ctx, accountID)
		if err != nil {
			return err
		}
		balance, ok := credits.ParseAmount(account.Balance)
		if !ok {
			return fmt.Errorf("corrupt balance %q for account %s", account.Balance, accountID)
		}
		next := new(big.Int).Add(balance, deltas[accountID])
		if next.Sign() < 0 {
			return credits.ErrInsufficientCredits
		}

		update := expression.Set(expression.Name("Balance"), expression.Value(next.String())).
			Set(expression.Name("UpdatedAt"), expression.Value(now))
		cond := expression.Name("Balance").Equal(expression.Value(account.Balance))
		expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
		if err != nil {
			return fmt.Errorf("failed to build expression: %w", err)
		}

		items = append(items, &dynamodb.TransactWriteItem{
			Update: &dynamodb.Update{
				TableName: aws.String(s.accountsTable),
				Key: map[string]*dynamodb.AttributeValue{
					"AccountID": {S: aws.String(accountID)},
				},
				UpdateExpression:          expr.Update(),
				ConditionExpression:       expr.Condition(),
				ExpressionAttributeNames:  expr.Names(),
				ExpressionAttributeValues: expr.Values(),
			},
		})
	}

	for _, e := range entries {
		amount := "0"
		if e.Amount != nil {
			amount = e.Amount.String()
		}
		av, err := dynamodbattribute.MarshalMap(ledgerEntryItem{
			AccountID: e.AccountID,
			SortKey:   ledgerSortKey(e.CreatedAt, e.ID),
			ID:        e.ID,
			Amount:    amount,
			Type:      string(e.Type),
			Source:    string(e.Source),
			CreatedAt: e.CreatedAt.UnixNano(),
			Meta:      e.Meta,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal ledger entry: %w", err)
		}
		items = append(items, &dynamodb.TransactWriteItem{
			Put: &dynamodb.Put{
				TableName: aws.String(s.entriesTable),
				Item:      av,
			},
		})
	}

	_, err := s.client.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		if isAWSCode(err, dynamodb.ErrCodeTransactionCanceledException) {
			return credits.ErrConcurrentUpdate
		}
		return fmt.Errorf("failed to write ledger transaction: %w", err)
	}
	return nil
}

// DynamoDBRunStore implements the RunStore interface using DynamoDB
type DynamoDBRunStore struct {
	client        dynamodbiface.DynamoDBAPI
	runsTableName string
	logsTableName string
}

type runItem struct {
	ID          string  `dynamodbav:"ID"`
	RoutineID   string  `dynamodbav:"RoutineID"`
	AccountID   string  `dynamodbav:"AccountID"`
	UserID      string  `dynamodbav:"UserID,omitempty"`
	Status      string  `dynamodbav:"Status"`
	StartTime   int64   `dynamodbav:"StartTime"`
	EndTime     int64   `dynamodbav:"EndTime,omitempty"`
	Error       string  `dynamodbav:"Error,omitempty"`
	Outputs     string  `dynamodbav:"Outputs,omitempty"`
	Progress    float64 `dynamodbav:"Progress"`
	CurrentStep string  `dynamodbav:"CurrentStep,omitempty"`
	CreditsUsed string  `dynamodbav:"CreditsUsed,omitempty"`
	TokensUsed  int     `dynamodbav:"TokensUsed"`
}

type runLogItem struct {
	RunID     string `dynamodbav:"RunID"`
	LogID     string `dynamodbav:"LogID"`
	Timestamp int64  `dynamodbav:"Timestamp"`
	StepID    string `dynamodbav:"StepID,omitempty"`
	Level     string `dynamodbav:"Level"`
	Message   string `dynamodbav:"Message"`
	Data      string `dynamodbav:"Data,omitempty"`
}

// NewDynamoDBRunStore creates a new DynamoDB run store
func NewDynamoDBRunStore(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBRunStore {
	return &DynamoDBRunStore{
		client:        client,
		runsTableName: tablePrefix + "runs",
		logsTableName: tablePrefix + "run_logs",
	}
}

// Initialize creates the DynamoDB tables if they don't exist
func (s *DynamoDBRunStore) Initialize() error {
	if err := ensureTable(s.client, &dynamodb.CreateTableInput{
		TableName: aws.String(s.runsTableName),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("ID"), AttributeType: aws.String("S")},
			{AttributeName: aws.String("AccountID"), AttributeType: aws.String("S")},
			{AttributeName: aws.String("StartTime"), AttributeType: aws.String("N")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("ID"), KeyType: aws.String("HASH")},
		},
		GlobalSecondaryIndexes: []*dynamodb.GlobalSecondaryIndex{
			{
				IndexName: aws.String("AccountIndex"),
				KeySchema: []*dynamodb.KeySchemaElement{
					{AttributeName: aws.String("AccountID"), KeyType: aws.String("HASH")},
					{AttributeName: aws.String("StartTime"), KeyType: aws.String("RANGE")},
				},
				Projection: &dynamodb.Projection{
					ProjectionType: aws.String("ALL"),
				},
			},
		},
	}); err != nil {
		return err
	}

	return ensureTable(s.client, &dynamodb.CreateTableInput{
		TableName: aws.String(s.logsTableName),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("RunID"), AttributeType: aws.String("S")},
			{AttributeName: aws.String("LogID"), AttributeType: aws.String("S")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("RunID"), KeyType: aws.String("HASH")},
			{AttributeName: aws.String("LogID"), KeyType: aws.String("RANGE")},
		},
	})
}

// SaveRun persists run data
func (s *DynamoDBRunStore) SaveRun(ctx context.Context, run models.RunStatus) error {
	item := runItem{
		ID:          run.ID,
		RoutineID:   run.RoutineID,
		AccountID:   run.AccountID,
		UserID:      run.UserID,
		Status:      run.Status,
		StartTime:   run.StartTime.UnixNano(),
		Error:       run.Error,
		Progress:    run.Progress,
		CurrentStep: run.CurrentStep,
		CreditsUsed: run.CreditsUsed,
		TokensUsed:  run.TokensUsed,
	}
	if !run.EndTime.IsZero() {
		item.EndTime = run.EndTime.UnixNano()
	}
	if run.Outputs != nil {
		outputs, err := json.Marshal(run.Outputs)
		if err != nil {
			return fmt.Errorf("failed to marshal run outputs: %w", err)
		}
		item.Outputs = string(outputs)
	}

	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.runsTableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (item runItem) toRunStatus() (models.RunStatus, error) {
	run := models.RunStatus{
		ID:          item.ID,
		RoutineID:   item.RoutineID,
		AccountID:   item.AccountID,
		UserID:      item.UserID,
		Status:      item.Status,
		StartTime:   time.Unix(0, item.StartTime).UTC(),
		Error:       item.Error,
		Progress:    item.Progress,
		CurrentStep: item.CurrentStep,
		CreditsUsed: item.CreditsUsed,
		TokensUsed:  item.TokensUsed,
	}
	if item.EndTime != 0 {
		run.EndTime = time.Unix(0, item.EndTime).UTC()
	}
	if item.Outputs != "" {
		if err := json.Unmarshal([]byte(item.Outputs), &run.Outputs); err != nil {
			return models.RunStatus{}, fmt.Errorf("failed to unmarshal run outputs: %w", err)
		}
	}
	return run, nil
}

// GetRun retrieves run data
func (s *DynamoDBRunStore) GetRun(ctx context.Context, runID string) (models.RunStatus, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.runsTableName),
		Key: map[string]*dynamodb.AttributeValue{
			"ID": {S: aws.String(runID)},
		},
	})
	if err != nil {
		return models.RunStatus{}, fmt.Errorf("failed to get run: %w", err)
	}
	if result.Item == nil {
		return models.RunStatus{}, ErrRunNotFound
	}

	var item runItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return models.RunStatus{}, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return item.toRunStatus()
}

// ListRuns returns all runs for an account, newest first
func (s *DynamoDBRunStore) ListRuns(ctx context.Context, accountID string) ([]models.RunStatus, error) {
	keyCond := expression.Key("AccountID").Equal(expression.Value(accountID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.runsTableName),
		IndexName:                 aws.String("AccountIndex"),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false), // Sort by StartTime descending
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	runs := make([]models.RunStatus, 0, len(result.Items))
	for _, av := range result.Items {
		var item runItem
		if err := dynamodbattribute.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		run, err := item.toRunStatus()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// SaveRunLog persists a run log entry
func (s *DynamoDBRunStore) SaveRunLog(ctx context.Context, runID string, log models.RunLog) error {
	item := runLogItem{
		RunID:     runID,
		LogID:     ulid.Make().String(),
		Timestamp: log.Timestamp.UnixNano(),
		StepID:    log.StepID,
		Level:     log.Level,
		Message:   log.Message,
	}
	if log.Data != nil {
		data, err := json.Marshal(log.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal log data: %w", err)
		}
		item.Data = string(data)
	}

	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.logsTableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to save log entry: %w", err)
	}
	return nil
}

// GetRunLogs retrieves logs for a run
func (s *DynamoDBRunStore) GetRunLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	keyCond := expression.Key("RunID").Equal(expression.Value(runID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.logsTableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}

	logs := make([]models.RunLog, 0, len(result.Items))
	for _, av := range result.Items {
		var item runLogItem
		if err := dynamodbattribute.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		log := models.RunLog{
			Timestamp: time.Unix(0, item.Timestamp).UTC(),
			StepID:    item.StepID,
			Level:     item.Level,
			Message:   item.Message,
		}
		if item.Data != "" {
			if err := json.Unmarshal([]byte(item.Data), &log.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log data: %w", err)
			}
		}
		logs = append(logs, log)
	}
	return logs, nil
}
