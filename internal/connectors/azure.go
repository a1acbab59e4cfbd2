package connectors

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

type azureDestination struct {
	client    *azblob.Client
	container string
	prefix    string
}

func NewAzureBlobDestination() (Destination, error) {
	account := os.Getenv("AZURE_STORAGE_ACCOUNT")
	key := os.Getenv("AZURE_STORAGE_KEY")
	container := os.Getenv("AZURE_BLOB_CONTAINER")
	if account == "" || key == "" || container == "" {
		return nil, fmt.Errorf("AZURE_STORAGE_ACCOUNT/AZURE_STORAGE_KEY/AZURE_BLOB_CONTAINER required for the azure destination")
	}
	prefix := os.Getenv("AZURE_BLOB_PREFIX")
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("build shared key credential: %w", err)
	}
	url := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	client, err := azblob.NewClientWithSharedKeyCredential(url, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &azureDestination{
		client:    client,
		container: container,
		prefix:    prefix,
	}, nil
}

func (a *azureDestination) Name() string {
	return "azure"
}

func (a *azureDestination) Store(ctx context.Context, obj Object) error {
	fileName, session := obj.FileName, obj.SessionID
	_, err := a.client.UploadStream(ctx, a.container, objectKey(a.prefix, obj), obj.Body, &azblob.UploadStreamOptions{
		Metadata: map[string]*string{
			"file_name":  &fileName,
			"session_id": &session,
		},
	})
	if err != nil {
		return fmt.Errorf("azure upload stream: %w", err)
	}
	return nil
}
