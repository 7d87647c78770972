package render

import "fmt"

// Key layout under one render. Single writer class per key:
//
//	renders/{id}/job.json                        dispatcher, once
//	renders/{id}/chunks/{index}/invoked-{n}.json dispatcher, per attempt
//	renders/{id}/chunks/{index}/result-{n}.json  worker, terminal per attempt
//	renders/{id}/errors/{nano}-{suffix}.json     any component, append-only
//	renders/{id}/encoding-progress.json          stitcher
//	renders/{id}/output.json                     stitcher, once
//	renders/{id}/artifacts/chunk-{index}.{ext}   worker
//	renders/{id}/out.{ext}                       stitcher

// Prefix returns the storage namespace for one render.
func Prefix(renderID string) string {
	return "renders/" + renderID + "/"
}

func jobKey(renderID string) string {
	return Prefix(renderID) + "job.json"
}

func chunksPrefix(renderID string) string {
	return Prefix(renderID) + "chunks/"
}

func invokedKey(renderID string, chunkIndex, attempt int) string {
	return fmt.Sprintf("%s%05d/invoked-%d.json", chunksPrefix(renderID), chunkIndex, attempt)
}

func resultKey(renderID string, chunkIndex, attempt int) string {
	return fmt.Sprintf("%s%05d/result-%d.json", chunksPrefix(renderID), chunkIndex, attempt)
}

func errorsPrefix(renderID string) string {
	return Prefix(renderID) + "errors/"
}

func errorKey(renderID string, nano int64, suffix string) string {
	return fmt.Sprintf("%s%020d-%s.json", errorsPrefix(renderID), nano, suffix)
}

func encodingProgressKey(renderID string) string {
	return Prefix(renderID) + "encoding-progress.json"
}

func outputRecordKey(renderID string) string {
	return Prefix(renderID) + "output.json"
}

// ArtifactKey returns the storage key of one chunk artifact.
func ArtifactKey(renderID string, chunkIndex int, ext string) string {
	return fmt.Sprintf("%sartifacts/chunk-%05d.%s", Prefix(renderID), chunkIndex, ext)
}

// FinalKey returns the storage key of the stitched artifact.
func FinalKey(renderID, ext string) string {
	return Prefix(renderID) + "out." + ext
}

// ContainerExt maps a codec to the container extension used for chunk and
// final artifacts.
func ContainerExt(codec string) string {
	switch codec {
	case "vp8", "vp9":
		return "webm"
	case "prores":
		return "mov"
	case "gif":
		return "gif"
	case "mp3":
		return "mp3"
	case "wav":
		return "wav"
	case "aac":
		return "aac"
	default:
		return "mp4"
	}
}
