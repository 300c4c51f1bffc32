/*
Package s3 provides the S3 content store.

The store serves three callers:

  - the lazy loader, which reads image, script and style content through Fetch;
  - the prefetch coordinator, which warms resources through Hint (HEAD);
  - the S3 analytics sink, which uploads JSON reports through Put.

Uploads can go through the CargoShip transporter. When the optimized upload
fails the store falls back to a plain PutObject and counts the fallback.

Errors are RescacheErrors: missing objects and buckets map to
OBJECT_NOT_FOUND, other read failures to STORAGE_READ and write failures to
STORAGE_WRITE.

Basic usage:

	store, err := s3.NewStore(ctx, &s3.Config{
		Bucket: "docforge-assets",
		Region: "us-west-2",
	})
	if err != nil {
		return err
	}
	data, err := store.Fetch(ctx, "images/cover.png")

Tests use NewWithAPI with an in-memory implementation of API.
*/
package s3
