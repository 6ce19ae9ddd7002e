package services

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/policy"
	"github.com/savaki/radstream/internal/utils"
)

// Function defaults
const (
	FunctionRuntime    = "provided.al2023"
	FunctionHandler    = "bootstrap"
	FunctionTimeout    = 60
	FunctionMemorySize = 1024
)

// LambdaAPI is the subset of the Lambda API used by FunctionService
type LambdaAPI interface {
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	GetFunctionConfiguration(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
	CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
	ListFunctions(ctx context.Context, params *lambda.ListFunctionsInput, optFns ...func(*lambda.Options)) (*lambda.ListFunctionsOutput, error)
	DeleteFunction(ctx context.Context, params *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
	PublishLayerVersion(ctx context.Context, params *lambda.PublishLayerVersionInput, optFns ...func(*lambda.Options)) (*lambda.PublishLayerVersionOutput, error)
}

// FunctionSpec describes a function and its execution role
type FunctionSpec struct {
	Name        string
	Binary      string
	RoleName    string
	Policy      policy.Document
	Description string
	Environment map[string]string
	Timeout     int32
	MemorySize  int32
}

func (f FunctionSpec) timeout() int32 {
	if f.Timeout > 0 {
		return f.Timeout
	}
	return FunctionTimeout
}

func (f FunctionSpec) memorySize() int32 {
	if f.MemorySize > 0 {
		return f.MemorySize
	}
	return FunctionMemorySize
}

func (f FunctionSpec) description() string {
	if f.Description != "" {
		return f.Description
	}
	return "RadStream Lambda function: " + f.Name
}

// FunctionResult reports what Deploy did
type FunctionResult struct {
	Name    string
	Arn     string
	Created bool
}

// FunctionInfo summarizes a deployed function
type FunctionInfo struct {
	Name         string
	Runtime      string
	MemorySize   int32
	LastModified string
}

// FunctionService deploys the pipeline functions
type FunctionService struct {
	client  LambdaAPI
	retrier *utils.Retrier
}

// NewFunctionService returns a FunctionService for cfg
func NewFunctionService(cfg aws.Config) *FunctionService {
	return NewFunctionServiceWithClient(lambda.NewFromConfig(cfg))
}

// NewFunctionServiceWithClient returns a FunctionService over an existing
// client. Calls rejected while a fresh role propagates or while a previous
// update is still in progress are retried.
func NewFunctionServiceWithClient(client LambdaAPI) *FunctionService {
	retrier := utils.NewRetrier()
	retrier.ShouldRetry = isFunctionConflict
	return &FunctionService{
		client:  client,
		retrier: retrier,
	}
}

func isFunctionConflict(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ResourceConflictException", "TooManyRequestsException":
		return true
	case "InvalidParameterValueException":
		return strings.Contains(apiErr.ErrorMessage(), "cannot be assumed")
	}
	return false
}

// Deploy creates the function or updates the code and configuration of an
// existing one
func (s *FunctionService) Deploy(ctx context.Context, spec FunctionSpec, roleArn string, zipFile []byte) (*FunctionResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("function", spec.Name).Logger()
	env := &types.Environment{Variables: spec.Environment}

	out, err := s.client.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(spec.Name)})
	switch {
	case err == nil:
		logger.Info().Msg("function already exists, updating")
		err = s.retrier.Retry(ctx, func() error {
			_, err := s.client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
				FunctionName: aws.String(spec.Name),
				ZipFile:      zipFile,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update code of %s: %w", spec.Name, err)
		}

		err = s.retrier.Retry(ctx, func() error {
			_, err := s.client.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
				FunctionName: aws.String(spec.Name),
				Role:         aws.String(roleArn),
				Timeout:      aws.Int32(spec.timeout()),
				MemorySize:   aws.Int32(spec.memorySize()),
				Environment:  env,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update configuration of %s: %w", spec.Name, err)
		}
		logger.Info().Msg("updated function")

		var arn string
		if out.Configuration != nil {
			arn = aws.ToString(out.Configuration.FunctionArn)
		}
		return &FunctionResult{Name: spec.Name, Arn: arn}, nil

	case !IsNotFound(err):
		return nil, fmt.Errorf("failed to get function %s: %w", spec.Name, err)
	}

	var created *lambda.CreateFunctionOutput
	err = s.retrier.Retry(ctx, func() error {
		var err error
		created, err = s.client.CreateFunction(ctx, &lambda.CreateFunctionInput{
			FunctionName:  aws.String(spec.Name),
			Runtime:       types.Runtime(FunctionRuntime),
			Handler:       aws.String(FunctionHandler),
			Role:          aws.String(roleArn),
			Code:          &types.FunctionCode{ZipFile: zipFile},
			Description:   aws.String(spec.description()),
			Timeout:       aws.Int32(spec.timeout()),
			MemorySize:    aws.Int32(spec.memorySize()),
			Environment:   env,
			Architectures: []types.Architecture{types.ArchitectureArm64},
			Publish:       true,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create function %s: %w", spec.Name, err)
	}
	logger.Info().Msg("created function")
	return &FunctionResult{Name: spec.Name, Arn: aws.ToString(created.FunctionArn), Created: true}, nil
}

// List returns the functions whose names start with prefix
func (s *FunctionService) List(ctx context.Context, prefix string) ([]FunctionInfo, error) {
	var (
		functions []FunctionInfo
		paginator = lambda.NewListFunctionsPaginator(s.client, &lambda.ListFunctionsInput{})
	)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list functions: %w", err)
		}
		for _, fn := range page.Functions {
			if name := aws.ToString(fn.FunctionName); strings.HasPrefix(name, prefix) {
				functions = append(functions, FunctionInfo{
					Name:         name,
					Runtime:      string(fn.Runtime),
					MemorySize:   aws.ToInt32(fn.MemorySize),
					LastModified: aws.ToString(fn.LastModified),
				})
			}
		}
	}
	return functions, nil
}

// Delete removes a function
func (s *FunctionService) Delete(ctx context.Context, name string) error {
	if _, err := s.client.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete function %s: %w", name, err)
	}
	zerolog.Ctx(ctx).Info().Str("function", name).Msg("deleted function")
	return nil
}

// Cleanup deletes every function starting with prefix
func (s *FunctionService) Cleanup(ctx context.Context, prefix string) ([]string, error) {
	functions, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var (
		deleted []string
		result  *multierror.Error
	)
	for _, fn := range functions {
		if err := s.Delete(ctx, fn.Name); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		deleted = append(deleted, fn.Name)
	}
	return deleted, result.ErrorOrNil()
}

// PublishLayer publishes a new layer version and returns its ARN
func (s *FunctionService) PublishLayer(ctx context.Context, name string, zipFile []byte, description string) (string, error) {
	out, err := s.client.PublishLayerVersion(ctx, &lambda.PublishLayerVersionInput{
		LayerName:          aws.String(name),
		Description:        aws.String(description),
		Content:            &types.LayerVersionContentInput{ZipFile: zipFile},
		CompatibleRuntimes: []types.Runtime{types.Runtime(FunctionRuntime)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish layer %s: %w", name, err)
	}
	arn := aws.ToString(out.LayerVersionArn)
	zerolog.Ctx(ctx).Info().Str("layer", arn).Msg("published layer")
	return arn, nil
}

// AttachLayer adds layerArn to the function's layers. It reports false when
// the layer was already attached.
func (s *FunctionService) AttachLayer(ctx context.Context, function, layerArn string) (bool, error) {
	out, err := s.client.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(function),
	})
	if err != nil {
		return false, fmt.Errorf("failed to get configuration of %s: %w", function, err)
	}

	var layers []string
	for _, layer := range out.Layers {
		layers = append(layers, aws.ToString(layer.Arn))
	}
	if slices.Contains(layers, layerArn) {
		return false, nil
	}

	_, err = s.client.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(function),
		Layers:       append(layers, layerArn),
	})
	if err != nil {
		return false, fmt.Errorf("failed to attach layer to %s: %w", function, err)
	}
	return true, nil
}

// PackageBinary zips the executable at path as an executable named bootstrap
func PackageBinary(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	header := &zip.FileHeader{
		Name:     FunctionHandler,
		Method:   zip.Deflate,
		Modified: time.Unix(0, 0).UTC(),
	}
	header.SetMode(0755)

	w, err := zw.CreateHeader(header)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackageDirectory zips every regular file below dir, keeping paths relative
// to dir and preserving file modes
func PackageDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to package %s: %w", dir, err)
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
