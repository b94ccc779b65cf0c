/*
Copyright 2025 Inkwell Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package inkwell

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/inkwellhq/inkwell/config"
	"github.com/inkwellhq/inkwell/internal/notification"
	"github.com/inkwellhq/inkwell/model"
)

// PublishReceipt is returned when a document publish saga commits.
type PublishReceipt struct {
	SagaID     string `json:"saga_id"`
	DocumentID string `json:"document_id"`
	SnapshotID string `json:"snapshot_id"`
	Location   string `json:"location"`
}

type snapshotRequest struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	Location   string `json:"location"`
}

type snapshotResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

// s3Uploader is the slice of the S3 API the publish saga needs. Tests swap it
// for an in-memory fake.
type s3Uploader interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
}

func newS3Client(conf *config.Configuration) (*s3.S3, error) {
	awsConfig := &aws.Config{
		Region:      aws.String(conf.Publish.S3Region),
		Credentials: credentials.NewStaticCredentials(conf.Publish.AwsAccessKeyId, conf.Publish.AwsSecretAccessKey, ""),
	}
	if conf.Publish.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(conf.Publish.S3Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

// PublishDocument runs the document publish saga: step one writes the
// rendered document to the publish bucket, step two registers a version
// snapshot with the snapshot service. A failure in either step rolls the
// earlier side effects back in reverse order, so a half-published document is
// never visible. A partial rollback raises an operator alert.
func (l *Inkwell) PublishDocument(ctx context.Context, userID, documentID string, content []byte) (*PublishReceipt, error) {
	ctx, span := tracer.Start(ctx, "PublishDocument")
	defer span.End()

	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	uploader, err := newS3Client(conf)
	if err != nil {
		return nil, logAndRecordError(span, "error building s3 client ", err)
	}
	return l.publishDocument(ctx, conf, uploader, userID, documentID, content)
}

func (l *Inkwell) publishDocument(ctx context.Context, conf *config.Configuration, uploader s3Uploader, userID, documentID string, content []byte) (*PublishReceipt, error) {
	versionID := model.GenerateUUIDWithSuffix("doc")
	itemKey := fmt.Sprintf("published/%s/%s/%s.html", userID, documentID, versionID)
	location := fmt.Sprintf("s3://%s/%s", conf.Publish.S3BucketName, itemKey)

	saga := NewSaga()
	saga.OnPartialRollback = func(status model.SagaStatus) {
		if whErr := l.SendWebhook(NewWebhook{Event: EventSagaPartialRollback, Payload: status}); whErr != nil {
			notification.NotifyError(whErr)
		}
	}

	uploadStep := Step{
		Name: "upload_document",
		Execute: func(ctx context.Context) (interface{}, error) {
			_, err := uploader.PutObjectWithContext(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(conf.Publish.S3BucketName),
				Key:         aws.String(itemKey),
				Body:        bytes.NewReader(content),
				ContentType: aws.String("text/html"),
			})
			return itemKey, err
		},
		Compensate: func(ctx context.Context, _ interface{}) error {
			_, err := uploader.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(conf.Publish.S3BucketName),
				Key:    aws.String(itemKey),
			})
			return err
		},
	}

	snapshotStep := Step{
		Name: "create_snapshot",
		Execute: func(ctx context.Context) (interface{}, error) {
			var resp snapshotResponse
			result := l.snapshot.Post(ctx, "/snapshots", snapshotRequest{
				DocumentID: documentID,
				UserID:     userID,
				Location:   location,
			}, &resp)
			if !result.OK() {
				return nil, errors.Wrap(result.Err, "snapshot service rejected version")
			}
			return resp.SnapshotID, nil
		},
		Compensate: func(ctx context.Context, result interface{}) error {
			snapshotID, _ := result.(string)
			if snapshotID == "" {
				return nil
			}
			res := l.snapshot.Delete(ctx, fmt.Sprintf("/snapshots/%s", snapshotID))
			if res.OK() || res.StatusCode == http.StatusNotFound {
				return nil
			}
			return res.Err
		},
	}

	if _, err := saga.ExecuteStep(ctx, uploadStep); err != nil {
		logrus.Errorf("publish of %s failed: %v", documentID, err)
		return nil, err
	}
	snapResult, err := saga.ExecuteStep(ctx, snapshotStep)
	if err != nil {
		logrus.Errorf("publish of %s failed: %v", documentID, err)
		return nil, err
	}
	snapshotID, _ := snapResult.(string)

	if err := saga.Commit(); err != nil {
		return nil, err
	}

	return &PublishReceipt{
		SagaID:     saga.SagaID(),
		DocumentID: documentID,
		SnapshotID: snapshotID,
		Location:   location,
	}, nil
}
